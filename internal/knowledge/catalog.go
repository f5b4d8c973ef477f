package knowledge

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML shape of a knowledge catalog: the three
// streams in one file.
//
// Example:
//
//	instance:
//	  - {index: 1, key: company_currency, value: EUR, category: finance}
//	models:
//	  - model_id: 73
//	    model_name: sale.order
//	    business_name: Sales Orders
//	    purpose: Customer orders from quotation to invoicing
//	    use_cases: [revenue reporting, pipeline analysis]
//	fields:
//	  - {field_id: 412, model_id: 73, model_name: sale.order, field_name: state, meaning: Order lifecycle stage}
type catalogFile struct {
	Instance []InstanceConfigItem `yaml:"instance"`
	Models   []ModelMetadataItem  `yaml:"models"`
	Fields   []FieldKnowledgeItem `yaml:"fields"`
}

// Catalog is a file-backed [Source].
type Catalog struct {
	file catalogFile
}

// LoadCatalog reads and parses a knowledge catalog YAML file from disk.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open catalog %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse catalog %q: %w", path, err)
	}
	return c, nil
}

// LoadCatalogFromReader parses catalog YAML from an [io.Reader].
func LoadCatalogFromReader(r io.Reader) (*Catalog, error) {
	var cf catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("knowledge: decode catalog yaml: %w", err)
	}
	return &Catalog{file: cf}, nil
}

// InstanceConfig returns the catalog's instance-level stream.
func (c *Catalog) InstanceConfig(context.Context) ([]InstanceConfigItem, error) {
	return c.file.Instance, nil
}

// ModelMetadata returns the catalog's model-level stream.
func (c *Catalog) ModelMetadata(context.Context) ([]ModelMetadataItem, error) {
	return c.file.Models, nil
}

// FieldKnowledge returns the catalog's field-level stream.
func (c *Catalog) FieldKnowledge(context.Context) ([]FieldKnowledgeItem, error) {
	return c.file.Fields, nil
}
