package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
)

func TestClassify(t *testing.T) {
	rules := NewRules(config.Security{})

	tests := []struct {
		url  string
		rule string
	}{
		{url: "https://api.ipify.org?format=json"},
		{url: "http://example.com/index.html"},
		{url: "https://www.mod.gov.eg/news", rule: ReasonDomain},
		{url: "HTTPS://CBE.ORG.EG", rule: ReasonDomain},
		{url: "https://example.com/DarkWeb/market", rule: ReasonDomain},
		{url: "https://example.com/setup.EXE", rule: ReasonExtension},
		{url: "https://example.com/tool.dll", rule: ReasonExtension},
		{url: "https://example.com/tool.dll?x=1"},
		// no scheme rule by default
		{url: "api.ipify.org"},
		{url: "ftp://example.com/file.txt"},
		// both rules match, the domain message wins
		{url: "https://xxx.example.com/payload.exe", rule: ReasonDomain},
	}
	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			v := rules.Classify(test.url)
			if test.rule == "" {
				assert.True(t, v.Allowed, v.String())
				return
			}
			assert.False(t, v.Allowed)
			assert.Equal(t, test.rule, v.Rule)
			assert.NotEmpty(t, v.Message)
		})
	}
}

func TestClassifyCustomRules(t *testing.T) {
	rules := NewRules(config.Security{
		Domains:    []string{"  Blocked.Example "},
		Extensions: []string{},
		Schemes:    []string{},
	})
	assert.False(t, rules.Classify("https://blocked.example/").Allowed)
	assert.True(t, rules.Classify("https://example.com/a.exe").Allowed)
	assert.True(t, rules.Classify("gopher://example.com").Allowed)
}

func TestClassifySchemes(t *testing.T) {
	rules := NewRules(config.Security{Schemes: []string{"HTTP", "https"}})

	assert.True(t, rules.Classify("http://example.com").Allowed)
	assert.True(t, rules.Classify("https://example.com").Allowed)
	for _, url := range []string{"ftp://example.com/file.txt", "not a url", "https://", "api.ipify.org"} {
		v := rules.Classify(url)
		assert.False(t, v.Allowed, url)
		assert.Equal(t, ReasonScheme, v.Rule, url)
	}
	// the domain and extension rules still go first
	assert.Equal(t, ReasonDomain, rules.Classify("ftp://porn.example").Rule)
	assert.Equal(t, ReasonExtension, rules.Classify("ftp://example.com/a.exe").Rule)
}

func TestFilterSet(t *testing.T) {
	f := NewFilter(nil)
	assert.False(t, f.Classify("https://porn.example").Allowed)

	f.Set(NewRules(config.Security{Domains: []string{}}))
	assert.True(t, f.Classify("https://porn.example").Allowed)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: [evil.example]\n"), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.example"}, rules.Domains)
	assert.Equal(t, config.DefaultExtensions, rules.Extensions)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: [one.example]\n"), 0o600))
	rules, err := LoadRules(path)
	require.NoError(t, err)
	f := NewFilter(rules)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, f, logger.Nop()) }()

	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("domains: [two.example]\n"), 0o600))

	assert.Eventually(t, func() bool {
		return !f.Classify("https://two.example/").Allowed && f.Classify("https://one.example/").Allowed
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch didn't stop")
	}
}
