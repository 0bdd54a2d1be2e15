// Package catalog loads the named service/characteristic templates a
// server builds accessories from (spec §4.D), grounded on pyhap's
// loader.py: two JSON documents, one keyed by characteristic name and one
// by service name, each naming the Apple type UUID and constraints.
// Construction returns a fresh instance every time, since a Characteristic
// or Service is specific to one accessory.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gohap/hap/pkg/hap/accessory"
)

//go:embed characteristics.json services.json
var embedded embed.FS

type charDef struct {
	Type        string         `json:"type"`
	Format      string         `json:"format"`
	Perms       []string       `json:"perms"`
	Unit        string         `json:"unit"`
	MinValue    *float64       `json:"minValue"`
	MaxValue    *float64       `json:"maxValue"`
	MinStep     *float64       `json:"minStep"`
	MaxLen      *int           `json:"maxLen"`
	ValidValues map[string]int `json:"validValues"`
}

type serviceDef struct {
	Type     string   `json:"type"`
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// Catalog resolves named service and characteristic templates into fresh
// instances. A server can be built against a Catalog other than Default,
// e.g. a small fixture in tests (spec §4.D: "the catalog is an interface a
// server can override").
type Catalog interface {
	NewCharacteristic(name string) (*accessory.Characteristic, error)
	NewService(name string, optional ...string) (*accessory.Service, error)
}

// JSONCatalog is the Catalog implementation backed by two JSON documents.
type JSONCatalog struct {
	chars    map[string]charDef
	services map[string]serviceDef
}

// NewFromJSON parses catalog documents in the shape of
// characteristics.json/services.json. Exported so a test or embedder can
// build a catalog from its own fixture instead of the shipped one.
func NewFromJSON(charsJSON, servicesJSON []byte) (*JSONCatalog, error) {
	var chars map[string]charDef
	if err := json.Unmarshal(charsJSON, &chars); err != nil {
		return nil, fmt.Errorf("catalog: decode characteristics: %w", err)
	}
	var services map[string]serviceDef
	if err := json.Unmarshal(servicesJSON, &services); err != nil {
		return nil, fmt.Errorf("catalog: decode services: %w", err)
	}
	return &JSONCatalog{chars: chars, services: services}, nil
}

// NewCharacteristic builds a fresh, unattached characteristic from its
// named template. The returned characteristic has no IID or AID; the
// Database assigns both when it is added to an accessory.
func (c *JSONCatalog) NewCharacteristic(name string) (*accessory.Characteristic, error) {
	def, ok := c.chars[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown characteristic %q", name)
	}
	return &accessory.Characteristic{
		Type:        def.Type,
		Format:      def.Format,
		Perms:       append([]string(nil), def.Perms...),
		Description: name,
		Unit:        def.Unit,
		MinValue:    def.MinValue,
		MaxValue:    def.MaxValue,
		MinStep:     def.MinStep,
		MaxLen:      def.MaxLen,
		ValidValues: def.ValidValues,
	}, nil
}

// NewService builds a fresh service with every required characteristic
// attached, plus any of the named optional characteristics the caller asks
// for. Optional names not recognized by the service's template are
// ignored, since a caller may pass the same "Name" hint to every service
// regardless of whether it supports it.
func (c *JSONCatalog) NewService(name string, optional ...string) (*accessory.Service, error) {
	def, ok := c.services[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown service %q", name)
	}

	s := &accessory.Service{Type: def.Type, Name: name}

	for _, cname := range def.Required {
		ch, err := c.NewCharacteristic(cname)
		if err != nil {
			return nil, err
		}
		s.Characteristics = append(s.Characteristics, ch)
	}

	allowed := map[string]bool{}
	for _, o := range def.Optional {
		allowed[o] = true
	}
	for _, want := range optional {
		if !allowed[want] {
			continue
		}
		ch, err := c.NewCharacteristic(want)
		if err != nil {
			return nil, err
		}
		s.Characteristics = append(s.Characteristics, ch)
	}

	return s, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *JSONCatalog
	defaultErr  error
)

// Default returns the process-wide catalog built from the embedded
// characteristics.json/services.json, loaded lazily on first use.
func Default() (*JSONCatalog, error) {
	defaultOnce.Do(func() {
		charsJSON, err := embedded.ReadFile("characteristics.json")
		if err != nil {
			defaultErr = err
			return
		}
		servicesJSON, err := embedded.ReadFile("services.json")
		if err != nil {
			defaultErr = err
			return
		}
		defaultCat, defaultErr = NewFromJSON(charsJSON, servicesJSON)
	})
	return defaultCat, defaultErr
}
