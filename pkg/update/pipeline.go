// Package update downloads a zstd compressed tar archive and unpacks it while it streams.
package update

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/klauspost/compress/zstd"
	"github.com/twpayne/go-vfs/v4"
)

// Credentials for HTTP Basic authentication.
type Credentials struct {
	Username string
	Password string
}

// Sink receives progress percentages.
type Sink func(percent int)

// Result describes a finished extraction.
type Result struct {
	Files         int
	Skipped       int
	BytesRead     int64
	ContentLength int64 // -1 when the server did not advertise it
}

type Pipeline struct {
	FS     vfs.FS
	Client *http.Client
	// Interval is the minimum time between two progress reports.
	Interval time.Duration
	Now      func() time.Time
}

func NewPipeline(fs vfs.FS, timeout, interval time.Duration) *Pipeline {
	return &Pipeline{
		FS:       fs,
		Client:   &http.Client{Timeout: timeout},
		Interval: interval,
		Now:      time.Now,
	}
}

// Run extracts the archive at url into targetDir and writes the completion marker.
func (p *Pipeline) Run(ctx context.Context, url string, creds *Credentials, targetDir string, sink Sink) (Result, error) {
	res, err := p.Extract(ctx, url, creds, targetDir, sink)
	if err != nil {
		return res, err
	}
	_, err = p.MarkExtracted(targetDir)
	return res, err
}

// Extract streams url through the zstd decoder and the tar reader into targetDir.
// Entries that cannot be unpacked are logged and skipped, any other error aborts and
// leaves what was already written in place.
func (p *Pipeline) Extract(ctx context.Context, url string, creds *Credentials, targetDir string, sink Sink) (Result, error) {
	res := Result{ContentLength: -1}
	l := internalUtils.Log.With().Str("url", url).Str("to", targetDir).Logger()

	l.Info().Msg("Setup GET request")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return res, fmt.Errorf("%w: %s", constants.ErrNetwork, err)
	}
	if creds != nil {
		l.Debug().Str("username", creds.Username).Msg("Add HTTP Basic Auth")
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return res, fmt.Errorf("%w: %s", constants.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%w: GET %s: %s", constants.ErrNetwork, url, resp.Status)
	}

	res.ContentLength = resp.ContentLength
	counter := &countingReader{r: resp.Body}
	report := func(bool) {}
	if res.ContentLength > 0 && sink != nil {
		next := p.now().Add(p.Interval)
		report = func(force bool) {
			now := p.now()
			if !force && now.Before(next) {
				return
			}
			next = now.Add(p.Interval)
			sink(int(counter.Count() * 100 / res.ContentLength))
		}
		sink(0)
	} else {
		l.Info().Msg("Content-Length unknown, cannot show progress")
	}

	dec, err := zstd.NewReader(counter, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return p.finish(res, counter), streamError(counter, err)
	}
	defer dec.Close()
	tr := tar.NewReader(dec)

	l.Info().Msg("Extract files")
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.finish(res, counter), streamError(counter, err)
		}

		skipped, err := p.unpack(hdr, tr, targetDir)
		if err != nil {
			if counter.err != nil {
				err = fmt.Errorf("%w: %s", constants.ErrNetwork, counter.err)
			}
			return p.finish(res, counter), err
		}
		if skipped {
			res.Skipped++
		} else {
			res.Files++
		}
		report(false)
	}
	// The end of the tar stream can come before the end of the body
	if _, err := io.Copy(io.Discard, counter); err != nil {
		return p.finish(res, counter), fmt.Errorf("%w: %s", constants.ErrNetwork, err)
	}
	report(true)

	res = p.finish(res, counter)
	l.Info().Int("files", res.Files).Int("skipped", res.Skipped).Int64("bytes", res.BytesRead).Msg("Extraction done")
	return res, nil
}

// MarkExtracted writes the completion timestamp into targetDir. It fails when a marker
// already exists, which means another run wrote into the same tree.
func (p *Pipeline) MarkExtracted(targetDir string) (string, error) {
	stamp := p.now().UTC().Format(time.RFC3339)
	marker := filepath.Join(targetDir, constants.ExtractedAtFilename)
	internalUtils.Log.Info().Str("at", stamp).Str("to", marker).Msg("Mark the extraction as completed")

	f, err := p.FS.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: creating %s: %s", constants.ErrIO, marker, err)
	}
	if _, err := f.Write([]byte(stamp + "\n")); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("%w: writing %s: %s", constants.ErrIO, marker, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	return stamp, nil
}

// unpack writes one entry. skipped is true when the entry was deliberately not unpacked.
func (p *Pipeline) unpack(hdr *tar.Header, tr io.Reader, targetDir string) (skipped bool, err error) {
	if _, ok := internalUtils.InRoot(targetDir, hdr.Name); !ok {
		internalUtils.Log.Warn().Str("what", hdr.Name).Msg("Did not unpack, path escapes the target")
		return true, nil
	}
	target, err := p.entryPath(targetDir, hdr.Name)
	if err != nil {
		return false, err
	}
	mode := hdr.FileInfo().Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := p.dropLink(target); err != nil {
			return false, err
		}
		if err := vfs.MkdirAll(p.FS, target, 0o755); err != nil {
			return false, fmt.Errorf("%w: %s", constants.ErrIO, err)
		}
	case tar.TypeReg:
		if err := p.parent(target); err != nil {
			return false, err
		}
		if err := p.dropLink(target); err != nil {
			return false, err
		}
		if err := p.writeFile(target, tr, mode); err != nil {
			return false, err
		}
	case tar.TypeSymlink:
		if err := p.parent(target); err != nil {
			return false, err
		}
		_ = p.FS.Remove(target)
		if err := p.FS.Symlink(hdr.Linkname, target); err != nil {
			return false, fmt.Errorf("%w: %s", constants.ErrIO, err)
		}
		_ = p.FS.Lchown(target, hdr.Uid, hdr.Gid)
		return false, nil
	case tar.TypeLink:
		if _, ok := internalUtils.InRoot(targetDir, hdr.Linkname); !ok {
			internalUtils.Log.Warn().Str("what", hdr.Name).Str("link", hdr.Linkname).Msg("Did not unpack, link escapes the target")
			return true, nil
		}
		source, err := internalUtils.SecureInRoot(p.FS, targetDir, hdr.Linkname)
		if err != nil {
			return false, fmt.Errorf("%w: resolving %s: %s", constants.ErrIO, hdr.Linkname, err)
		}
		if err := p.parent(target); err != nil {
			return false, err
		}
		_ = p.FS.Remove(target)
		if err := p.FS.Link(source, target); err != nil {
			return false, fmt.Errorf("%w: %s", constants.ErrIO, err)
		}
		return false, nil
	default:
		internalUtils.Log.Warn().Str("what", hdr.Name).Str("type", string(hdr.Typeflag)).Msg("Did not unpack, unsupported entry type")
		return true, nil
	}

	if err := p.FS.Chmod(target, mode); err != nil {
		return false, fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	if err := p.FS.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
		internalUtils.Log.Debug().Err(err).Str("what", target).Msg("Could not change owner")
	}
	_ = p.FS.Chtimes(target, hdr.ModTime, hdr.ModTime)
	return false, nil
}

// entryPath places name under targetDir. Links in the parent directories are followed
// inside targetDir only, the last element is kept as is so links can be replaced.
func (p *Pipeline) entryPath(targetDir, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return targetDir, nil
	}
	dir, err := internalUtils.SecureInRoot(p.FS, targetDir, filepath.Dir(clean))
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s: %s", constants.ErrIO, name, err)
	}
	return filepath.Join(dir, filepath.Base(clean)), nil
}

// dropLink removes target when it is a symlink so nothing is written through it.
func (p *Pipeline) dropLink(target string) error {
	info, err := p.FS.Lstat(target)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	if err := p.FS.Remove(target); err != nil {
		return fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	return nil
}

func (p *Pipeline) parent(target string) error {
	if err := vfs.MkdirAll(p.FS, filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	return nil
}

func (p *Pipeline) writeFile(target string, tr io.Reader, mode fs.FileMode) error {
	f, err := p.FS.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	src := &sourceReader{r: tr}
	_, err = io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case src.err != nil:
		return fmt.Errorf("%w: %s", constants.ErrDecode, src.err)
	case err != nil:
		return fmt.Errorf("%w: writing %s: %s", constants.ErrIO, target, err)
	case closeErr != nil:
		return fmt.Errorf("%w: %s", constants.ErrIO, closeErr)
	}
	return nil
}

func (p *Pipeline) finish(res Result, counter *countingReader) Result {
	res.BytesRead = counter.Count()
	return res
}

func (p *Pipeline) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// streamError tells network failures apart from a malformed stream.
func streamError(counter *countingReader, err error) error {
	if counter.err != nil {
		return fmt.Errorf("%w: %s", constants.ErrNetwork, counter.err)
	}
	return fmt.Errorf("%w: %s", constants.ErrDecode, err)
}
