package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/fetch"
	"github.com/kether/mapd/internal/registry"
	"github.com/kether/mapd/internal/steam"
)

const vpkSignature = 0x55AA1234

// buildVPKBytes builds a minimal VPK v1 file with a single embedded
// addoninfo.txt entry, mirroring internal/vpk's own test fixture.
func buildVPKBytes(t *testing.T, title, version string) []byte {
	t.Helper()
	content := []byte(`"addonTitle" "` + title + `"` + "\n" + `"addonVersion" "` + version + `"` + "\n")

	var tree bytes.Buffer
	tree.WriteString("txt")
	tree.WriteByte(0)
	tree.WriteString(" ")
	tree.WriteByte(0)
	tree.WriteString("addoninfo")
	tree.WriteByte(0)

	entry := struct {
		CRC          uint32
		PreloadBytes uint16
		ArchiveIndex uint16
		EntryOffset  uint32
		EntryLength  uint32
		Terminator   uint16
	}{ArchiveIndex: 0x7FFF, EntryLength: uint32(len(content)), Terminator: 0xFFFF}
	require.NoError(t, binary.Write(&tree, binary.LittleEndian, &entry))
	tree.WriteByte(0)
	tree.WriteByte(0)
	tree.WriteByte(0)

	var out bytes.Buffer
	hdr := struct {
		Signature uint32
		Version   uint32
		TreeSize  uint32
	}{Signature: vpkSignature, Version: 1, TreeSize: uint32(tree.Len())}
	require.NoError(t, binary.Write(&out, binary.LittleEndian, &hdr))
	out.Write(tree.Bytes())
	out.Write(content)
	return out.Bytes()
}

func buildZipWithVPK(t *testing.T, vpkEntryName, title, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	entry, err := w.Create(vpkEntryName)
	require.NoError(t, err)
	_, err = entry.Write(buildVPKBytes(t, title, version))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type testEnv struct {
	inst       *Installer
	reg        *registry.Registry
	addonsDir  string
	scratchDir string
}

func newTestEnv(t *testing.T, transport steam.Transport) *testEnv {
	t.Helper()
	addonsDir := filepath.Join(t.TempDir(), "addons")
	scratchDir := filepath.Join(t.TempDir(), "scratch")

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sess := steam.NewSession(transport)
	inst := New(reg, fetch.New(), sess, addonsDir, scratchDir, nil)
	return &testEnv{inst: inst, reg: reg, addonsDir: addonsDir, scratchDir: scratchDir}
}

type fakeTransport struct {
	hcontent    uint64
	downloadURL string
}

func (f *fakeTransport) Discover(ctx context.Context) error { return nil }
func (f *fakeTransport) GetHcontent(ctx context.Context, workshopID uint64) (uint64, error) {
	return f.hcontent, nil
}
func (f *fakeTransport) GetDownloadURL(ctx context.Context, hcontent uint64) (string, error) {
	return f.downloadURL, nil
}

func TestInstall_DirectZipWithEmbeddedVpk(t *testing.T) {
	zipBytes := buildZipWithVPK(t, "test_map.vpk", "Example", "1.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer srv.Close()

	env := newTestEnv(t, &fakeTransport{})
	entry, err := env.inst.Install(context.Background(), core.SourceSpec{
		URL:         srv.URL + "/map.zip",
		DisplayName: "Test Map",
	})
	require.NoError(t, err)

	assert.Equal(t, "test_map", entry.Name)
	assert.Equal(t, "test_map.vpk", entry.InstalledPath)
	assert.Equal(t, core.SourceOther, entry.SourceKind)
	require.NotNil(t, entry.Version)
	assert.Equal(t, "1.0", *entry.Version)
	require.NotNil(t, entry.Checksum)

	placed := filepath.Join(env.addonsDir, "test_map.vpk")
	_, err = os.Stat(placed)
	require.NoError(t, err)

	got, err := env.reg.GetMap(entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Name, got.Name)

	leftovers, err := os.ReadDir(env.scratchDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestInstall_NameFallsBackToMetadataTitleIndependentOfFilename(t *testing.T) {
	zipBytes := buildZipWithVPK(t, "old_build_v3.vpk", "Official Map Name", "3.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer srv.Close()

	env := newTestEnv(t, &fakeTransport{})
	entry, err := env.inst.Install(context.Background(), core.SourceSpec{
		URL: srv.URL + "/map.zip",
	})
	require.NoError(t, err)

	assert.Equal(t, "official_map_name", entry.Name)
	assert.Equal(t, "old_build_v3.vpk", entry.InstalledPath)

	_, err = os.Stat(filepath.Join(env.addonsDir, "old_build_v3.vpk"))
	require.NoError(t, err)
}

func TestInstall_WorkshopId(t *testing.T) {
	zipBytes := buildVPKBytes(t, "Workshop Map", "2.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer srv.Close()

	env := newTestEnv(t, &fakeTransport{hcontent: 99, downloadURL: srv.URL + "/workshop_item.vpk"})
	entry, err := env.inst.Install(context.Background(), core.SourceSpec{
		IsWorkshop: true,
		WorkshopID: 123456789,
	})
	require.NoError(t, err)

	assert.Equal(t, core.SourceWorkshop, entry.SourceKind)
	require.NotNil(t, entry.WorkshopID)
	assert.Equal(t, uint64(123456789), *entry.WorkshopID)
	assert.Equal(t, "workshop:123456789", entry.SourceURL)
}

func TestInstall_BothFieldsRejected(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})
	_, err := env.inst.Install(context.Background(), core.SourceSpec{
		IsWorkshop: true,
		WorkshopID: 1,
		URL:        "https://x/a.zip",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))

	entries, err := env.reg.ListMaps()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstall_SSRFRejected(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})
	_, err := env.inst.Install(context.Background(), core.SourceSpec{URL: "http://127.0.0.1:8080/m.zip"})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func TestInstall_ZipWithNoVpk_LeavesNoResidue(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	entry, err := w.Create("readme.txt")
	require.NoError(t, err)
	_, _ = entry.Write([]byte("nothing to see"))
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	env := newTestEnv(t, &fakeTransport{})
	_, err = env.inst.Install(context.Background(), core.SourceSpec{URL: srv.URL + "/nope.zip"})
	require.Error(t, err)

	entries, err := env.reg.ListMaps()
	require.NoError(t, err)
	assert.Empty(t, entries)

	leftovers, err := os.ReadDir(env.scratchDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestUninstall_Roundtrip(t *testing.T) {
	zipBytes := buildZipWithVPK(t, "test_map.vpk", "Example", "1.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer srv.Close()

	env := newTestEnv(t, &fakeTransport{})
	entry, err := env.inst.Install(context.Background(), core.SourceSpec{URL: srv.URL + "/map.zip"})
	require.NoError(t, err)

	require.NoError(t, env.inst.Uninstall(entry.ID))

	_, statErr := os.Stat(filepath.Join(env.addonsDir, entry.InstalledPath))
	assert.True(t, os.IsNotExist(statErr))

	got, err := env.reg.GetMap(entry.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// idempotent
	require.NoError(t, env.inst.Uninstall(entry.ID))
}

func TestUninstall_NotFound(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})
	// Uninstalling an id that never existed is a no-op success: the
	// desired end state (id not installed) already holds.
	require.NoError(t, env.inst.Uninstall(999))
}
