package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Product is a catalog entry. Loaded once at startup and never mutated.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	CapacityML  *int     `json:"capacity_ml,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SearchableText is what gets embedded for a product.
func (p Product) SearchableText() string {
	parts := []string{p.Name, p.Description}
	if len(p.Tags) > 0 {
		parts = append(parts, strings.Join(p.Tags, " "))
	}
	return strings.Join(parts, ". ")
}

// LoadJSONL reads a line-delimited catalog file. Blank lines are skipped;
// duplicate ids, missing names, and negative prices are load errors.
func LoadJSONL(path string) ([]Product, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer file.Close()

	var products []Product
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var p Product
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", lineNo, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("catalog line %d: missing product id", lineNo)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("catalog line %d: duplicate product id %q", lineNo, p.ID)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("catalog line %d: missing product name", lineNo)
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("catalog line %d: negative price for %q", lineNo, p.ID)
		}
		seen[p.ID] = true
		products = append(products, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	return products, nil
}
