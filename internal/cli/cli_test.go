package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const document = `<OrderViewRS Version="21.3">
  <Response><DataLists><PaxList>
    <Pax><PaxID>PAX1</PaxID><PTC>ADT</PTC></Pax>
  </PaxList></DataLists></Response>
</OrderViewRS>`

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"/data/orders/order 1.xml": "order-1",
		"a:b?.xml":                 "a_b_",
		"":                         "document",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}

func TestDiscoverAndListPatterns(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "order.xml")
	require.NoError(t, os.WriteFile(doc, []byte(document), 0644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  dir: "+filepath.Join(dir, "catalog")+"\n"), 0644))
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"discover", doc, "--config", cfgPath, "--tenant", "acme", "--md", filepath.Join(dir, "report.md")})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Discovery run completed")
	assert.FileExists(t, filepath.Join(dir, "report.md"))
	assert.FileExists(t, filepath.Join(dir, "catalog", "tenant-acme.db"))

	out.Reset()
	rootCmd.SetArgs([]string{"patterns", "list", "--config", cfgPath, "--tenant", "acme"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "DataLists/PaxList/Pax")
	assert.Contains(t, out.String(), "1 pattern(s)")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "patternlens "+Version)
}
