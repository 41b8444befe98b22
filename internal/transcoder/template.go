package transcoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/chunkrelay/internal/config"
)

// ErrInvalidTemplate is returned when a stored command template cannot be used.
var ErrInvalidTemplate = errors.New("invalid command template")

// Template is the command template delivered by the upstream coordinator.
type Template struct {
	Args []string          `json:"args"`
	Env  map[string]string `json:"env,omitempty"`
}

// ParseTemplate decodes a stored template.
func ParseTemplate(data string) (*Template, error) {
	var t Template
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if len(t.Args) == 0 {
		return nil, fmt.Errorf("%w: no arguments", ErrInvalidTemplate)
	}
	return &t, nil
}

// Encode serialises the template for storage.
func (t *Template) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Placeholders holds the values substituted into template arguments.
type Placeholders struct {
	// LocalURL is this relay's callback base, used for {URL} and {SEGURL}.
	LocalURL string
	// LoadBalancer is the upstream coordinator, used for {PROGRESSURL} and {SRTSRV}.
	LoadBalancer string
	// Mount is the media mount, used for {PATH}.
	Mount string
	// Resources is the transcoder resources directory, used for {USRPLEX}.
	Resources string
}

// NewPlaceholders derives placeholder values from configuration.
func NewPlaceholders(cfg *config.Config) Placeholders {
	return Placeholders{
		LocalURL:     cfg.Server.LocalURL(),
		LoadBalancer: strings.TrimRight(cfg.Upstream.LoadBalancer, "/"),
		Mount:        cfg.Transcoder.Mount,
		Resources:    cfg.Transcoder.ResourcesPath(),
	}
}

// Expand substitutes placeholders in every argument. Each placeholder is
// replaced once per argument except {USRPLEX}, which is replaced everywhere.
func (p Placeholders) Expand(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		arg = strings.Replace(arg, "{URL}", p.LocalURL, 1)
		arg = strings.Replace(arg, "{SEGURL}", p.LocalURL, 1)
		arg = strings.Replace(arg, "{PROGRESSURL}", p.LoadBalancer, 1)
		arg = strings.Replace(arg, "{PATH}", p.Mount, 1)
		arg = strings.Replace(arg, "{SRTSRV}", p.LoadBalancer+"/rhino/sessions", 1)
		arg = strings.ReplaceAll(arg, "{USRPLEX}", p.Resources)
		out[i] = arg
	}
	return out
}

// BuildEnv returns the transcoder environment: base (normally os.Environ())
// overridden with the library and cache locations and the upstream token.
func BuildEnv(base []string, cfg config.TranscoderConfig, token string) []string {
	overrides := map[string]string{
		"LD_LIBRARY_PATH":      cfg.Dir,
		"FFMPEG_EXTERNAL_LIBS": filepath.Join(cfg.Dir, "Codecs") + string(os.PathSeparator),
		"XDG_CACHE_HOME":       cfg.CachePath(),
		"XDG_DATA_HOME":        filepath.Join(cfg.ResourcesPath(), "Resources") + string(os.PathSeparator),
		"EAE_ROOT":             cfg.CachePath(),
		"X_PLEX_TOKEN":         token,
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, name := range []string{"LD_LIBRARY_PATH", "FFMPEG_EXTERNAL_LIBS", "XDG_CACHE_HOME", "XDG_DATA_HOME", "EAE_ROOT", "X_PLEX_TOKEN"} {
		env = append(env, name+"="+overrides[name])
	}
	return env
}
