// Package testutil holds helpers shared by package tests: project lookup,
// fixture files, quiet loggers and in-memory snapshot tarballs.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// Member describes one tar entry of a test archive
type Member struct {
	Name     string
	Typeflag byte
	Body     string
	Mode     int64
	Link     string
}

// File is a regular file member.
func File(name, body string) Member {
	return Member{Name: name, Typeflag: tar.TypeReg, Body: body}
}

// Dir is a directory member.
func Dir(name string) Member {
	return Member{Name: name, Typeflag: tar.TypeDir}
}

// Symlink is a symbolic link member.
func Symlink(name, target string) Member {
	return Member{Name: name, Typeflag: tar.TypeSymlink, Link: target}
}

// Hardlink is a hard link member.
func Hardlink(name, target string) Member {
	return Member{Name: name, Typeflag: tar.TypeLink, Link: target}
}

// TarGz builds a gzip-compressed tar stream from members in order.
func TarGz(t testing.TB, members ...Member) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, m := range members {
		mode := m.Mode
		if mode == 0 {
			mode = 0644
			if m.Typeflag == tar.TypeDir {
				mode = 0755
			}
		}
		hdr := &tar.Header{
			Name:     m.Name,
			Typeflag: m.Typeflag,
			Mode:     mode,
			Linkname: m.Link,
		}
		if m.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(m.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", m.Name, err)
		}
		if m.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(m.Body)); err != nil {
				t.Fatalf("write body %s: %v", m.Name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// WriteTarGz writes TarGz(members) into a temp dir and returns its path.
func WriteTarGz(t testing.TB, members ...Member) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "snapshot.tar.gz")
	if err := os.WriteFile(p, TarGz(t, members...), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
