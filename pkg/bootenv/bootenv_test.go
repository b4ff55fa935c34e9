package bootenv_test

import (
	"errors"

	"github.com/kairos-io/firmware-updater/internal/constants"
	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/kairos-io/firmware-updater/pkg/bootenv"
	"github.com/kairos-io/firmware-updater/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("boot-loader environment", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *mocks.FakeRunner
	var env *bootenv.FwEnv

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{})
		Expect(err).ToNot(HaveOccurred())
		runner = &mocks.FakeRunner{}
		env = bootenv.NewFwEnv(fs, runner, "/run/firmware-update/ubootfw.script")
	})
	AfterEach(func() {
		cleanup()
	})

	Context("Get", func() {
		It("parses fw_printenv output", func() {
			runner.SideEffect = func(name string, args ...string) (string, error) {
				return "desired_bank=B\n", nil
			}
			v, err := env.Get(bootenv.DesiredBank)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal("B"))
			Expect(runner.Calls).To(Equal([][]string{{"fw_printenv", "desired_bank"}}))
		})
		It("fails when the variable is not printed", func() {
			runner.SideEffect = func(string, ...string) (string, error) { return "bootdelay=3\n", nil }
			_, err := env.Get(bootenv.DesiredBank)
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
		})
		It("fails when the tool fails", func() {
			runner.SideEffect = func(string, ...string) (string, error) {
				return "## Error: \"desired_bank\" not defined", errors.New("exit status 1")
			}
			_, err := env.Get(bootenv.DesiredBank)
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("not defined"))
		})
		It("refuses names the tool cannot take", func() {
			_, err := env.Get("desired bank; reboot")
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
			Expect(runner.Calls).To(BeEmpty())
		})
	})

	Context("Set", func() {
		It("writes a one line script and hands it to fw_setenv", func() {
			Expect(env.Set(bootenv.DesiredBank, "A")).To(Succeed())

			dat, err := fs.ReadFile("/run/firmware-update/ubootfw.script")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(dat)).To(Equal("desired_bank=A\n"))

			raw, _ := fs.RawPath("/run/firmware-update/ubootfw.script")
			Expect(runner.Calls).To(Equal([][]string{{"fw_setenv", "-s", raw}}))
		})
		It("refuses values spanning lines", func() {
			err := env.Set(bootenv.DesiredBank, "A\nbootcmd=reset")
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
			Expect(runner.Calls).To(BeEmpty())
		})
		It("fails when fw_setenv fails", func() {
			runner.SideEffect = func(string, ...string) (string, error) { return "", errors.New("exit status 1") }
			err := env.Set(bootenv.DesiredBank, "A")
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
		})
	})

	Context("Banks", func() {
		var banks bootenv.Banks

		BeforeEach(func() {
			banks = bootenv.Banks{Accessor: mocks.NewFakeBootEnv(map[string]string{
				bootenv.DesiredBank:   "B",
				bootenv.LastTriedBank: "C",
			})}
		})

		It("reads the desired bank", func() {
			b, err := banks.DesiredBank()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(bank.B))
		})
		It("rejects values that are not banks", func() {
			_, err := banks.LastTriedBank()
			Expect(errors.Is(err, constants.ErrBootLoader)).To(BeTrue())
		})
		It("writes every known variable", func() {
			Expect(banks.SetDesiredBank(bank.A)).To(Succeed())
			Expect(banks.SetLastTriedBank(bank.A)).To(Succeed())
			Expect(banks.SetLastKnownGoodBank(bank.B)).To(Succeed())

			b, err := banks.DesiredBank()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(bank.A))
			b, err = banks.LastTriedBank()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(bank.A))
			b, err = banks.LastKnownGoodBank()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(bank.B))
		})
	})
})
