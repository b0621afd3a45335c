package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/verify"
)

//go:embed embedded/defaults.json
var defaultsJSON []byte

//go:embed embedded/config.schema.json
var schemaJSON []byte

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SUPDATE_"

// ArgsFileSuffix names the optional argument file that sits beside the
// updater when no file is given explicitly.
const ArgsFileSuffix = ".args"

// LoadOptions selects the layers Load applies on top of the defaults.
type LoadOptions struct {
	// FS reads argument files. Nil means the OS filesystem.
	FS afero.Fs
	// File is an optional TOML or YAML settings file.
	File string
	// ArgsFile is an optional argument file. When empty, <self>.args is used
	// if it exists.
	ArgsFile string
	// Args are engine arguments in "-name value" form.
	Args []string
	// Strict makes argument problems fatal. A "strict" setting in any layer
	// overrides it for the layers that follow.
	Strict bool
	// SelfPath is the running updater; it seeds coreDirectory.
	SelfPath string
	// SkipEnv ignores SUPDATE_* variables.
	SkipEnv bool
	Logger  zerolog.Logger
}

// Defaults returns the compiled-in configuration.
func Defaults() (*Configuration, error) {
	k := koanf.New(".")
	if err := loadDefaults(k); err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// Load builds the configuration from compiled-in defaults, then the settings
// file, the environment, the argument file, and finally Args. Later layers
// win field by field. The merged result is checked against the embedded
// schema before it is decoded.
func Load(opts LoadOptions) (*Configuration, error) {
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := opts.Logger

	k := koanf.New(".")
	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	strict := opts.Strict
	if opts.File != "" {
		if err := loadSettingsFile(k, opts.File, strict, logger); err != nil {
			return nil, err
		}
		strict = strict || k.Bool("strict")
		logger.Debug().Str("file", opts.File).Msg("Loaded settings file")
	}

	if !opts.SkipEnv {
		if err := loadEnv(k, strict, logger); err != nil {
			return nil, err
		}
		strict = strict || k.Bool("strict")
	}

	argsFile := opts.ArgsFile
	explicit := argsFile != ""
	if !explicit && opts.SelfPath != "" {
		argsFile = strings.TrimSuffix(opts.SelfPath, filepath.Ext(opts.SelfPath)) + ArgsFileSuffix
	}
	if argsFile != "" {
		exists, err := afero.Exists(fs, argsFile)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigLoad, "stat argument file %s", argsFile)
		}
		switch {
		case exists:
			tokens, err := ReadArgumentFile(fs, argsFile)
			if err != nil {
				return nil, err
			}
			values, err := ParseArgs(tokens, strict, logger)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrArgument, "argument file %s", argsFile)
			}
			if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
				return nil, errors.Wrap(err, errors.ErrConfigLoad, "merge argument file")
			}
			if v, ok := values["strict"].(bool); ok {
				strict = v
			}
			logger.Debug().Str("file", argsFile).Int("tokens", len(tokens)).Msg("Loaded argument file")
		case explicit:
			return nil, errors.Newf(errors.ErrNotFound, "argument file %s does not exist", argsFile)
		}
	}

	if len(opts.Args) > 0 {
		values, err := ParseArgs(opts.Args, strict, logger)
		if err != nil {
			return nil, err
		}
		if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "merge arguments")
		}
	}

	if err := validateDocument(k.Raw()); err != nil {
		return nil, err
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	if cfg.CoreDirectory == "" && opts.SelfPath != "" {
		cfg.CoreDirectory = filepath.Dir(opts.SelfPath)
	}
	return cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	var doc map[string]any
	if err := json.Unmarshal(defaultsJSON, &doc); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "decode embedded defaults")
	}
	if err := validateDocument(doc); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "embedded defaults")
	}
	if err := k.Load(confmap.Provider(doc, "."), nil); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "load embedded defaults")
	}
	return nil
}

func loadSettingsFile(k *koanf.Koanf, path string, strict bool, logger zerolog.Logger) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		parser = toml.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return errors.Newf(errors.ErrConfigLoad, "settings file %s: unsupported format (want .toml, .yaml, or .yml)", path)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, errors.ErrNotFound, "settings file %s", path)
	}
	tmp := koanf.New(".")
	if err := tmp.Load(file.Provider(path), parser); err != nil {
		return errors.Wrapf(err, errors.ErrConfigLoad, "load settings file %s", path)
	}
	values, unknown := canonicalize(tmp.Raw())
	if v, ok := values["strict"].(bool); ok {
		strict = strict || v
	}
	if err := unknownSettings(strict, logger, "settings file "+path, unknown); err != nil {
		return err
	}
	if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
		return errors.Wrapf(err, errors.ErrConfigLoad, "merge settings file %s", path)
	}
	return nil
}

func loadEnv(k *koanf.Koanf, strict bool, logger zerolog.Logger) error {
	tmp := koanf.New(".")
	var unknown []string
	err := tmp.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key, ok := canonicalKey(strings.TrimPrefix(s, EnvPrefix))
		if !ok {
			unknown = append(unknown, s)
			return ""
		}
		return key
	}), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigLoad, "load environment")
	}
	strict = strict || tmp.Bool("strict")
	sort.Strings(unknown)
	if err := unknownSettings(strict, logger, "environment", unknown); err != nil {
		return err
	}
	if err := k.Load(confmap.Provider(tmp.Raw(), "."), nil); err != nil {
		return errors.Wrap(err, errors.ErrConfigLoad, "merge environment")
	}
	return nil
}

// canonicalize rewrites top-level keys to their canonical spelling so that
// layers written in any case override each other. Keys that name no option
// are left out and returned sorted.
func canonicalize(in map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(in))
	var unknown []string
	for key, value := range in {
		canon, ok := canonicalKey(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		out[canon] = value
	}
	sort.Strings(unknown)
	return out, unknown
}

// unknownSettings fails on the first unknown key under strict and logs the
// rest as skipped otherwise.
func unknownSettings(strict bool, logger zerolog.Logger, layer string, keys []string) error {
	for _, key := range keys {
		if strict {
			return errors.Newf(errors.ErrConfigInvalid, "%s: unknown setting %q", layer, key)
		}
		logger.Warn().Str("layer", layer).Str("key", key).Msg("Skipping unknown setting")
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return c.Compile("config.schema.json")
})

func validateDocument(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "compile config schema")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigInvalid, "encode configuration")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigInvalid, "decode configuration")
	}
	if err := schema.Validate(inst); err != nil {
		return errors.Wrap(err, errors.ErrConfigInvalid, "configuration does not match schema")
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*Configuration, error) {
	var cfg Configuration
	conf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				stringToTokenHookFunc(),
				stringToURLHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, conf); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigInvalid, "decode configuration")
	}
	if cfg.BaseURI != nil && *cfg.BaseURI == (url.URL{}) {
		cfg.BaseURI = nil
	}
	return &cfg, nil
}

func stringToTokenHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]byte(nil)) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return []byte{}, nil
		}
		return verify.ParseToken(s)
	}
}

func stringToURLHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(&url.URL{}) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return &url.URL{}, nil
		}
		return url.Parse(s)
	}
}
