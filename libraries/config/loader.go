package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
)

// CheckVersion prints version and exits when --version is on the command line.
func CheckVersion(version string) {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Println(version)
			os.Exit(0)
		}
	}
}

type LoadOptions struct {
	ConfigFlag     string
	DefaultConfig  string
	StrictINI      bool
	SkipAutoConfig bool
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Output receives flag usage; defaults to stderr.
	Output io.Writer
}

type field struct {
	value    reflect.Value
	name     string
	aliases  []string
	env      string
	help     string
	def      string
	required bool
}

// rawFlag records a command-line value so it can be applied after the INI
// file and environment, giving flags the highest precedence.
type rawFlag struct {
	f     *field
	isSet bool
	raw   string
}

func (r *rawFlag) String() string { return r.raw }

func (r *rawFlag) Set(s string) error {
	probe := reflect.New(r.f.value.Type()).Elem()
	if err := setValue(probe, s); err != nil {
		return err
	}
	r.raw, r.isSet = s, true
	return nil
}

func (r *rawFlag) IsBoolFlag() bool { return r.f.value.Kind() == reflect.Bool }

func Load(cfg any, args []string) error {
	return LoadWithOptions(cfg, args, nil)
}

// LoadWithOptions fills cfg from, in increasing precedence: `default` tags,
// the INI file, `env` tagged environment variables, command-line flags.
func LoadWithOptions(cfg any, args []string, opts *LoadOptions) error {
	if opts == nil {
		opts = &LoadOptions{}
	}
	if opts.ConfigFlag == "" {
		opts.ConfigFlag = "config"
	}
	if opts.DefaultConfig == "" {
		opts.DefaultConfig = "./config.ini"
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return errors.New("cfg must be a pointer to a struct")
	}
	fields := collectFields(v.Elem())

	for _, f := range fields {
		if f.def == "" {
			continue
		}
		if err := setValue(f.value, f.def); err != nil {
			return fmt.Errorf("invalid default for %s: %w", f.name, err)
		}
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	if opts.Output != nil {
		fs.SetOutput(opts.Output)
	}
	var configPath string
	fs.StringVar(&configPath, opts.ConfigFlag, "", "Path to config file")
	flags := make([]*rawFlag, len(fields))
	for i := range fields {
		flags[i] = &rawFlag{f: fields[i]}
		fs.Var(flags[i], fields[i].name, fields[i].help)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}

	if configPath == "" && !opts.SkipAutoConfig {
		if _, err := os.Stat(opts.DefaultConfig); err == nil {
			configPath = opts.DefaultConfig
		}
	}
	if configPath != "" {
		if err := applyINI(configPath, fields, opts.StrictINI); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	for _, f := range fields {
		if f.env == "" {
			continue
		}
		if raw, ok := opts.LookupEnv(f.env); ok && raw != "" {
			if err := setValue(f.value, raw); err != nil {
				return fmt.Errorf("invalid %s from environment: %w", f.env, err)
			}
		}
	}

	for _, rf := range flags {
		if rf.isSet {
			setValue(rf.f.value, rf.raw)
		}
	}

	return validateRequired(fields)
}

func collectFields(v reflect.Value) []*field {
	t := v.Type()
	var fields []*field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Tag.Get("name")
		if name == "" {
			name = toKebabCase(sf.Name)
		}
		f := &field{
			value:    v.Field(i),
			name:     name,
			env:      sf.Tag.Get("env"),
			help:     sf.Tag.Get("help"),
			def:      sf.Tag.Get("default"),
			required: sf.Tag.Get("required") == "true",
		}
		if alias := sf.Tag.Get("alias"); alias != "" {
			f.aliases = splitList(alias)
		}
		fields = append(fields, f)
	}
	return fields
}

func applyINI(path string, fields []*field, strict bool) error {
	entries, err := readINI(path)
	if err != nil {
		return err
	}
	byKey := make(map[string]*field, len(fields))
	for _, f := range fields {
		byKey[f.name] = f
		for _, a := range f.aliases {
			byKey[a] = f
		}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return entries[keys[i]].line < entries[keys[j]].line })

	for _, key := range keys {
		e := entries[key]
		f, ok := byKey[key]
		if !ok {
			if strict {
				return fmt.Errorf("unknown configuration key at line %d: %s", e.line, key)
			}
			continue
		}
		if err := setValue(f.value, e.value); err != nil {
			return fmt.Errorf("error parsing '%s' at line %d: %w", key, e.line, err)
		}
	}
	return nil
}

func validateRequired(fields []*field) error {
	var missing []string
	for _, f := range fields {
		if f.required && f.value.IsZero() {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
