package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// AccessList is the file-managed allow/deny document.
type AccessList struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

// LoadAccessList reads an allow/deny document in yaml, json or toml. Blank
// entries are dropped; address validation is left to the tracker.
func LoadAccessList(path string) (AccessList, error) {
	parser, err := parserFor(path)
	if err != nil {
		return AccessList{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return AccessList{}, fmt.Errorf("config: load access list %s: %w", path, err)
	}
	var list AccessList
	if err := k.Unmarshal("", &list); err != nil {
		return AccessList{}, fmt.Errorf("config: decode access list %s: %w", path, err)
	}
	list.Allow = compact(list.Allow)
	list.Deny = compact(list.Deny)
	return list, nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
