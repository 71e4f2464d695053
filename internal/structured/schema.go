package structured

import (
	"errors"
	"fmt"
)

var ErrInvalidSchema = errors.New("invalid response schema")

var schemaTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

var schemaKeys = map[string]bool{
	"type":        true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"minItems":    true,
	"maxItems":    true,
	"description": true,
	"enum":        true,
	"nullable":    true,
}

// ValidateSchema checks that schema stays within the subset every backend
// accepts as a response schema.
func ValidateSchema(schema map[string]any) error {
	if len(schema) == 0 {
		return fmt.Errorf("%w: empty schema", ErrInvalidSchema)
	}
	return validateNode(schema, "$")
}

func validateNode(node map[string]any, path string) error {
	for key := range node {
		if !schemaKeys[key] {
			return fmt.Errorf("%w: unsupported keyword %q at %s", ErrInvalidSchema, key, path)
		}
	}

	typ, _ := node["type"].(string)
	if !schemaTypes[typ] {
		return fmt.Errorf("%w: unsupported type %q at %s", ErrInvalidSchema, node["type"], path)
	}

	if raw, ok := node["properties"]; ok {
		if typ != "object" {
			return fmt.Errorf("%w: properties on non-object at %s", ErrInvalidSchema, path)
		}
		props, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: properties must be an object at %s", ErrInvalidSchema, path)
		}
		for name, sub := range props {
			child, ok := sub.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: property %q must be an object at %s", ErrInvalidSchema, name, path)
			}
			if err := validateNode(child, path+"."+name); err != nil {
				return err
			}
		}
	}

	if raw, ok := node["required"]; ok {
		if err := validateRequired(raw, node["properties"], path); err != nil {
			return err
		}
	}

	if raw, ok := node["items"]; ok {
		if typ != "array" {
			return fmt.Errorf("%w: items on non-array at %s", ErrInvalidSchema, path)
		}
		child, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: items must be an object at %s", ErrInvalidSchema, path)
		}
		if err := validateNode(child, path+"[]"); err != nil {
			return err
		}
	}

	for _, key := range []string{"minItems", "maxItems"} {
		if raw, ok := node[key]; ok {
			n, ok := raw.(float64)
			if !ok {
				if i, isInt := raw.(int); isInt {
					n, ok = float64(i), true
				}
			}
			if !ok || n < 0 || n != float64(int(n)) {
				return fmt.Errorf("%w: %s must be a non-negative integer at %s", ErrInvalidSchema, key, path)
			}
		}
	}
	return nil
}

func validateRequired(raw, props any, path string) error {
	list, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			for _, s := range strs {
				list = append(list, s)
			}
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("%w: required must be a list at %s", ErrInvalidSchema, path)
	}
	known, _ := props.(map[string]any)
	for _, item := range list {
		name, ok := item.(string)
		if !ok {
			return fmt.Errorf("%w: required entries must be strings at %s", ErrInvalidSchema, path)
		}
		if _, ok := known[name]; !ok {
			return fmt.Errorf("%w: required property %q is not declared at %s", ErrInvalidSchema, name, path)
		}
	}
	return nil
}
