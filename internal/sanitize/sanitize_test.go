package sanitize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		got, err := Name("My Test Map")
		require.NoError(t, err)
		assert.Equal(t, "my_test_map", got)
	})

	t.Run("strips special characters", func(t *testing.T) {
		got, err := Name("Map!@#$%^&*()Name")
		require.NoError(t, err)
		assert.Equal(t, "mapname", got)
	})

	t.Run("path traversal becomes harmless", func(t *testing.T) {
		got, err := Name("../../../etc/passwd")
		if err == nil {
			assert.NotContains(t, got, "/")
			assert.NotContains(t, got, "..")
		}
	})

	t.Run("empty after sanitization", func(t *testing.T) {
		_, err := Name("!!!")
		require.Error(t, err)
	})

	t.Run("too long", func(t *testing.T) {
		_, err := Name(stringsRepeat("a", 300))
		require.Error(t, err)
	})

	t.Run("leading dash rejected", func(t *testing.T) {
		_, err := Name("-hidden")
		require.Error(t, err)
	})
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "test.zip", Filename("test.zip"))
	assert.Equal(t, "file.zip", Filename("/path/to/file.zip"))
	assert.NotContains(t, Filename("file<script>.zip"), "<")
}

func TestPathWithinBase(t *testing.T) {
	base := t.TempDir()

	t.Run("new path under base is fine", func(t *testing.T) {
		resolved, err := PathWithinBase(base, "subdir/file.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(base, "subdir", "file.txt"), resolved)
	})

	t.Run("traversal rejected even before creation", func(t *testing.T) {
		_, err := PathWithinBase(base, "../../../etc/passwd")
		require.Error(t, err)
	})

	t.Run("existing symlink escape is caught canonically", func(t *testing.T) {
		outside := t.TempDir()
		target := filepath.Join(outside, "secret.txt")
		require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

		link := filepath.Join(base, "link.txt")
		require.NoError(t, os.Symlink(target, link))

		_, err := PathWithinBase(base, "link.txt")
		require.Error(t, err)
	})
}

func TestURL(t *testing.T) {
	t.Run("valid https", func(t *testing.T) {
		assert.NoError(t, URL("https://example.com/file.zip"))
	})

	t.Run("valid http", func(t *testing.T) {
		assert.NoError(t, URL("http://example.com/file.zip"))
	})

	t.Run("rejects non-http schemes", func(t *testing.T) {
		assert.Error(t, URL("file:///etc/passwd"))
		assert.Error(t, URL("ftp://example.com/file.zip"))
	})

	t.Run("rejects localhost variants", func(t *testing.T) {
		assert.Error(t, URL("http://localhost/file.zip"))
		assert.Error(t, URL("http://127.0.0.1/file.zip"))
		assert.Error(t, URL("http://[::1]/file.zip"))
	})

	t.Run("rejects private ip ranges", func(t *testing.T) {
		assert.Error(t, URL("http://192.168.1.1/file.zip"))
		assert.Error(t, URL("http://10.0.0.1/file.zip"))
		assert.Error(t, URL("http://172.16.0.1/file.zip"))
		assert.Error(t, URL("http://169.254.0.1/file.zip"))
	})

	t.Run("accepts a public ip", func(t *testing.T) {
		assert.NoError(t, URL("http://8.8.8.8/file.zip"))
	})

	t.Run("rejects oversized urls", func(t *testing.T) {
		assert.Error(t, URL("https://example.com/"+stringsRepeat("a", maxURLLength)))
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		assert.Error(t, URL("not-a-url"))
		assert.Error(t, URL(""))
	})
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
