package op_test

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kairos-io/firmware-updater/pkg/op"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("mount operations", func() {
	It("stops when the prepare callback fails", func() {
		boom := errors.New("no mountpoint")
		target := filepath.Join(GinkgoT().TempDir(), "never")
		err := op.MountOperation{Target: target, PrepareCallback: func() error { return boom }}.Run()
		Expect(err).To(MatchError(boom))
		_, err = os.Stat(target)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("creates the mountpoint before mounting", func() {
		target := filepath.Join(GinkgoT().TempDir(), "mnt", "other_bank")
		m := op.NewSystemMounter(1)
		// The device does not exist so the mount itself fails
		err := m.Mount("/dev/firmware-update-missing", target, "ext4", nil)
		Expect(err).To(HaveOccurred())
		info, err := os.Stat(target)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})
})
