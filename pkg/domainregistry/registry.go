package domainregistry

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// Registry is the persisted list of managed domains: one FQDN per line
type Registry struct {
	path          string
	zoneOverrides map[string]string // FQDN => zone
}

func New(path string, zoneOverrides map[string]string) *Registry {
	if zoneOverrides == nil {
		zoneOverrides = map[string]string{}
	}

	return &Registry{
		path:          path,
		zoneOverrides: zoneOverrides,
	}
}

func (r *Registry) Path() string {
	return r.path
}

// returns domains in file order. duplicate (exact match) entries are dropped
func (r *Registry) Load() ([]Domain, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return r.parseList(file)
}

// single-domain mode
func (r *Registry) Single(fqdn string) ([]Domain, error) {
	domain, err := r.parse(fqdn)
	if err != nil {
		return nil, err
	}

	return []Domain{domain}, nil
}

// appends the domain to the list file unless it's already there. returns true if it was added
func (r *Registry) Add(fqdn string) (bool, error) {
	domain, err := r.parse(fqdn)
	if err != nil {
		return false, err
	}

	existing := []Domain{}

	content, err := os.ReadFile(r.path)
	switch {
	case err == nil:
		existing, err = r.parseList(bytes.NewReader(content))
		if err != nil {
			return false, err
		}
	case !os.IsNotExist(err):
		return false, err
	}

	for _, other := range existing {
		if other.FQDN == domain.FQDN {
			return false, nil
		}
	}

	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer file.Close()

	// previous content might not end in newline
	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := file.WriteString("\n"); err != nil {
			return false, err
		}
	}

	if _, err := fmt.Fprintln(file, domain.FQDN); err != nil {
		return false, err
	}

	return true, file.Close()
}

func (r *Registry) parseList(list io.Reader) ([]Domain, error) {
	domains := []Domain{}
	seen := map[string]bool{}

	lines := bufio.NewScanner(list)
	lineNo := 0
	for lines.Scan() {
		lineNo++

		domain, err := r.parse(lines.Text())
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", r.path, lineNo, err)
		}

		if seen[domain.FQDN] {
			continue
		}
		seen[domain.FQDN] = true

		domains = append(domains, domain)
	}
	if err := lines.Err(); err != nil {
		return nil, err
	}

	return domains, nil
}

func (r *Registry) parse(entry string) (Domain, error) {
	if zone, found := r.zoneOverrides[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")]; found {
		return ParseWithZone(entry, zone)
	}

	return Parse(entry)
}
