package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/pyramidproxy/pyramidproxy/backend"
)

const (
	DefaultConfigRoot     = "/pp-links"
	DefaultConfigFile     = "config.json"
	DefaultDataConfigFile = ".pp.json"

	pyramidPathField = "pyramidPath"
	formatNameField  = "formatName"
)

var allowedID = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// PyramidOptions configure the PyramidResolver.
type PyramidOptions struct {

	// Directory containing a subdirectory for every routing key.
	// Defaults to DefaultConfigRoot.
	ConfigRoot string

	// Name of the configuration file in the subdirectory of a key.
	// It must contain the pyramidPath field. Defaults to
	// DefaultConfigFile.
	ConfigFile string

	// Name of the data configuration file in the directory referenced
	// by pyramidPath. It must contain the formatName field. Defaults to
	// DefaultDataConfigFile.
	DataConfigFile string

	// Host of the backend services.
	Host string

	// Port of the backend service serving each format.
	Services map[string]int
}

// PyramidResolver resolves routing keys by reading the configuration
// files of the keys: key -> <root>/<key>/config.json -> pyramidPath ->
// <pyramidPath>/.pp.json -> formatName -> service port.
type PyramidResolver struct {
	options  PyramidOptions
	services map[string]backend.Address
}

func NewPyramidResolver(o PyramidOptions) (*PyramidResolver, error) {
	if o.ConfigRoot == "" {
		o.ConfigRoot = DefaultConfigRoot
	}

	if o.ConfigFile == "" {
		o.ConfigFile = DefaultConfigFile
	}

	if o.DataConfigFile == "" {
		o.DataConfigFile = DefaultDataConfigFile
	}

	services := make(map[string]backend.Address, len(o.Services))
	for format, port := range o.Services {
		a, err := backend.NewAddress(o.Host, port)
		if err != nil {
			return nil, fmt.Errorf("invalid service for format %s: %w", format, err)
		}

		services[format] = a
	}

	return &PyramidResolver{options: o, services: services}, nil
}

func readField(file, field string) (string, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}

	if !gjson.ValidBytes(b) {
		return "", fmt.Errorf("invalid JSON in %s", file)
	}

	v := gjson.GetBytes(b, field)
	if v.Type != gjson.String || v.Str == "" {
		return "", fmt.Errorf("missing string field %s in %s", field, file)
	}

	return v.Str, nil
}

func (p *PyramidResolver) Resolve(ctx context.Context, r Request) (backend.Address, error) {
	if !allowedID.MatchString(r.Key) {
		return backend.Address{}, &Error{Key: r.Key, Err: ErrMalformedKey}
	}

	if err := ctx.Err(); err != nil {
		return backend.Address{}, &Error{Key: r.Key, Err: err}
	}

	config := filepath.Join(p.options.ConfigRoot, r.Key, p.options.ConfigFile)
	pyramidPath, err := readField(config, pyramidPathField)
	if errors.Is(err, fs.ErrNotExist) {
		return backend.Address{}, &Error{Key: r.Key, Err: fmt.Errorf("%w: %w", ErrUnknownKey, err)}
	} else if err != nil {
		return backend.Address{}, &Error{Key: r.Key, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return backend.Address{}, &Error{Key: r.Key, Err: err}
	}

	dataConfig := filepath.Join(pyramidPath, p.options.DataConfigFile)
	format, err := readField(dataConfig, formatNameField)
	if err != nil {
		return backend.Address{}, &Error{Key: r.Key, Err: err}
	}

	a, ok := p.services[format]
	if !ok {
		return backend.Address{}, &Error{Key: r.Key, Err: fmt.Errorf("%w %q", ErrUnknownFormat, format)}
	}

	return a, nil
}
