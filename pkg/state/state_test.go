package state_test

import (
	"archive/tar"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/kairos-io/firmware-updater/pkg/bootenv"
	"github.com/kairos-io/firmware-updater/pkg/schema"
	"github.com/kairos-io/firmware-updater/pkg/state"
	"github.com/kairos-io/firmware-updater/pkg/update"
	"github.com/kairos-io/firmware-updater/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

const activeFstab = "/dev/mmcblk0p1  /boot  vfat  defaults  0  2\n/dev/mmcblk0p2  /  ext4  defaults,noatime  0  1\n"

var _ = Describe("Machine", func() {
	var fs vfs.FS
	var cleanup func()
	var mounter *mocks.FakeMounter
	var runner *mocks.FakeRunner
	var env *mocks.FakeBootEnv
	var m *state.Machine

	var srv *httptest.Server
	var hits atomic.Int32
	var body []byte
	var release chan struct{}

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/etc/fstab":                        activeFstab,
			"/etc/app.conf":                     "setting=1\n",
			"/etc/firmware-update/filelist.txt": "etc/app.conf\n",
			"/image_built_at.txt":               "2024-01-01T00:00:00Z\n",
			"/extracted_at.txt":                 "2024-01-02T00:00:00Z\n",
			"/mnt/other_bank":                   &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())

		mounter = mocks.NewFakeMounter()
		runner = &mocks.FakeRunner{}
		env = mocks.NewFakeBootEnv(map[string]string{bootenv.DesiredBank: "A"})

		hits.Store(0)
		release = nil
		body = mocks.ZstdTar(
			mocks.Entry{Name: "etc/", Type: tar.TypeDir, Mode: 0o755},
			mocks.Entry{Name: "etc/app.conf", Body: "setting=factory\n"},
			mocks.Entry{Name: "bin/app", Mode: 0o755, Body: "#!/bin/sh\necho app\n"},
			mocks.Entry{Name: "image_built_at.txt", Body: "2024-06-01T12:00:00Z\n"},
		)
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			if r.URL.Path == "/missing" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			if release == nil {
				_, _ = w.Write(body)
				return
			}
			// Hold the end of the archive back until the test lets it go
			_, _ = w.Write(body[:16])
			w.(http.Flusher).Flush()
			<-release
			_, _ = w.Write(body[16:])
		}))

		manager := bank.NewManager(fs, mounter, runner, "/etc/fstab", "/mnt/other_bank")
		pipeline := update.NewPipeline(fs, time.Minute, 0)
		m = state.New(manager, env, pipeline, "/etc/firmware-update/filelist.txt")
	})
	AfterEach(func() {
		if release != nil {
			select {
			case <-release:
			default:
				close(release)
			}
		}
		m.Wait()
		srv.Close()
		cleanup()
	})

	status := func() schema.Response {
		resp := m.Handle(schema.GetStatus{})
		ExpectWithOffset(1, resp.Status).To(Equal(schema.StatusStatus))
		return resp
	}
	str := func(s string) *string { return &s }

	It("takes a snapshot when it starts", func() {
		resp := status()
		Expect(resp.Progress).To(BeNil())
		Expect(resp.Banks).ToNot(BeNil())
		Expect(resp.Banks.OurBank).To(Equal(bank.A))
		Expect(resp.Banks.DesiredBank).To(HaveValue(Equal(bank.A)))
		Expect(resp.Banks.OurVersion).To(HaveValue(Equal("2024-01-01T00:00:00Z")))
		Expect(resp.Banks.OtherVersion).To(BeNil())
		Expect(mounter.MountedNow()).To(Equal(0))
	})

	It("has no snapshot when the active bank is unknown", func() {
		Expect(fs.WriteFile("/etc/fstab", []byte("/dev/sda1 / ext4 defaults 0 1\n"), 0o644)).To(Succeed())
		fresh := state.New(m.Manager, env, m.Pipeline, m.FileList)
		resp := fresh.Handle(schema.GetStatus{})
		Expect(resp.Status).To(Equal(schema.StatusStatus))
		Expect(resp.Banks).To(BeNil())
	})

	It("updates the other bank in the background", func() {
		body = mocks.PadTo(body, 1000)
		Expect(body).To(HaveLen(1000))
		release = make(chan struct{})

		resp := m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst"})
		Expect(resp.Status).To(Equal(schema.StatusOk), resp.Detail)
		Expect(resp.Detail).To(ContainSubstring("bank B"))
		Expect(m.Updating()).To(BeTrue())
		Expect(runner.CallsTo("mkfs.ext4")).To(HaveLen(1))

		var seen []int
		Eventually(func() *int {
			p := status().Progress
			if p != nil {
				seen = append(seen, *p)
			}
			return p
		}).Should(HaveValue(BeNumerically("<", 100)))

		close(release)
		Eventually(func() bool {
			p := status().Progress
			if p != nil {
				seen = append(seen, *p)
			}
			return m.Updating()
		}, 5*time.Second).Should(BeFalse())

		for i := 1; i < len(seen); i++ {
			Expect(seen[i]).To(BeNumerically(">=", seen[i-1]))
		}
		resp = status()
		Expect(resp.Progress).To(BeNil())
		Expect(resp.Detail).To(BeEmpty())
		Expect(resp.Banks.OurBank).To(Equal(bank.A))
		Expect(resp.Banks.OtherVersion).To(HaveValue(Equal("2024-06-01T12:00:00Z")))
		Expect(resp.Banks.OtherExtractTime).ToNot(BeNil())

		dat, err := fs.ReadFile("/mnt/other_bank/etc/app.conf")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(dat)).To(Equal("setting=1\n"))
		dat, err = fs.ReadFile("/mnt/other_bank/etc/fstab")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(dat)).To(Equal(bank.B.Fstab()))
		_, err = fs.Stat("/mnt/other_bank/bin/app")
		Expect(err).ToNot(HaveOccurred())

		Expect(mounter.MountedNow()).To(Equal(0))
		Expect(mounter.Mounts).To(Equal(mounter.Unmounts))
	})

	It("rejects a second update while one is running", func() {
		release = make(chan struct{})
		resp := m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst"})
		Expect(resp.Status).To(Equal(schema.StatusOk))
		mounts := mounter.Mounts

		resp = m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst"})
		Expect(resp.Status).To(Equal(schema.StatusError))
		Expect(resp.Detail).To(ContainSubstring("state conflict"))
		Expect(runner.CallsTo("mkfs.ext4")).To(HaveLen(1))
		Expect(mounter.Mounts).To(Equal(mounts))

		close(release)
		Eventually(func() bool {
			status()
			return m.Updating()
		}, 5*time.Second).Should(BeFalse())
		Expect(hits.Load()).To(Equal(int32(1)))
	})

	It("rejects partial credentials without touching the network", func() {
		resp := m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst", Username: str("fleet")})
		Expect(resp.Status).To(Equal(schema.StatusError))
		Expect(resp.Detail).To(ContainSubstring("state conflict"))
		resp = m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst", Password: str("secret")})
		Expect(resp.Status).To(Equal(schema.StatusError))

		Expect(m.Updating()).To(BeFalse())
		Expect(hits.Load()).To(Equal(int32(0)))
		Expect(runner.CallsTo("mkfs.ext4")).To(BeEmpty())
	})

	It("reports a failed update once and goes idle", func() {
		resp := m.Handle(schema.Update{FromURL: srv.URL + "/missing"})
		Expect(resp.Status).To(Equal(schema.StatusOk))
		m.Wait()

		resp = status()
		Expect(resp.Detail).To(HavePrefix("update of bank B failed: extract-firmware: network error"))
		Expect(resp.Detail).ToNot(ContainSubstring("deps"))
		Expect(resp.Progress).To(BeNil())
		Expect(m.Updating()).To(BeFalse())
		Expect(mounter.MountedNow()).To(Equal(0))

		resp = status()
		Expect(resp.Detail).To(BeEmpty())
		Expect(resp.Banks.OtherExtractTime).To(BeNil())
	})

	It("does not start an update when formatting fails", func() {
		mounter.Busy = []string{"/dev/mmcblk0p3"}
		resp := m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst"})
		Expect(resp.Status).To(Equal(schema.StatusError))
		Expect(resp.Detail).To(ContainSubstring("format error"))
		Expect(m.Updating()).To(BeFalse())
		Expect(hits.Load()).To(Equal(int32(0)))
	})

	It("keeps the other bank to the worker while updating", func() {
		release = make(chan struct{})
		Expect(m.Handle(schema.Update{FromURL: srv.URL + "/firmware.tar.zst"}).Status).To(Equal(schema.StatusOk))

		resp := m.Handle(schema.FormatOtherBank{})
		Expect(resp.Status).To(Equal(schema.StatusError))
		resp = m.Handle(schema.CopyConfig{})
		Expect(resp.Status).To(Equal(schema.StatusError))

		resp = m.Handle(schema.SetDesiredBank{Bank: bank.B})
		Expect(resp.Status).To(Equal(schema.StatusOk))
		Expect(status().Banks.DesiredBank).To(HaveValue(Equal(bank.B)))
		Expect(mounter.MountedNow()).To(Equal(1))

		close(release)
	})

	It("formats the other bank", func() {
		resp := m.Handle(schema.FormatOtherBank{})
		Expect(resp.Status).To(Equal(schema.StatusOk))
		Expect(resp.Detail).To(Equal("bank B formatted"))
		Expect(runner.CallsTo("mkfs.ext4")).To(HaveLen(1))
	})

	It("copies the config and renders the fstab", func() {
		resp := m.Handle(schema.CopyConfig{})
		Expect(resp.Status).To(Equal(schema.StatusOk), resp.Detail)
		Expect(resp.Detail).To(Equal("config copied to bank B"))

		dat, err := fs.ReadFile("/mnt/other_bank/etc/app.conf")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(dat)).To(Equal("setting=1\n"))
		dat, err = fs.ReadFile("/mnt/other_bank/etc/fstab")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(dat)).To(Equal(bank.B.Fstab()))
		Expect(mounter.MountedNow()).To(Equal(0))
	})

	It("reports copy failures", func() {
		Expect(fs.WriteFile("/etc/firmware-update/filelist.txt", []byte("etc/missing.conf\n"), 0o644)).To(Succeed())
		resp := m.Handle(schema.CopyConfig{})
		Expect(resp.Status).To(Equal(schema.StatusError))
		Expect(resp.Detail).To(ContainSubstring("io error"))
		Expect(mounter.MountedNow()).To(Equal(0))
	})

	It("sets the desired bank", func() {
		resp := m.Handle(schema.SetDesiredBank{Bank: bank.B})
		Expect(resp.Status).To(Equal(schema.StatusOk))
		Expect(resp.Detail).To(Equal("desired bank set to B"))
		Expect(env.Vars[bootenv.DesiredBank]).To(Equal("B"))
		Expect(status().Banks.DesiredBank).To(HaveValue(Equal(bank.B)))
	})

	It("reports boot-loader failures", func() {
		env.SetErr = errors.New("environment is read-only")
		resp := m.Handle(schema.SetDesiredBank{Bank: bank.B})
		Expect(resp.Status).To(Equal(schema.StatusError))
		Expect(status().Banks.DesiredBank).To(HaveValue(Equal(bank.A)))
	})
})
