package secrets

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type parsedReference struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func (r parsedReference) version() string {
	if r.Version == "" {
		return "latest"
	}
	return r.Version
}

func (r parsedReference) cacheKey() string {
	return r.Canonical + "#" + r.version()
}

// parseReference accepts secret://name[?version=N&project=P]; sm:// is treated as an alias.
func parseReference(ref string) (parsedReference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}
	u, err := url.Parse(ref)
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	query := u.Query()
	return parsedReference{
		Canonical:       "secret://" + name,
		Secret:          name,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

// fallbackFile lazily reads "secret://name=value" lines from a local file. Versions are ignored.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref parsedReference) (string, bool, error) {
	f.once.Do(f.load)
	value, ok := f.values[ref.Canonical]
	return value, ok, f.err
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if f.path == "" {
		return
	}
	absPath, err := filepath.Abs(f.path)
	if err != nil {
		absPath = f.path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		f.values[parsed.Canonical] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: failed reading %s: %w", absPath, err)
	}
}
