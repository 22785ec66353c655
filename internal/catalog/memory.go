package catalog

import "context"

// Memory is a static catalog used in dev/demo mode and in tests.
type Memory struct {
	products   map[string]Product
	categories []string
	colors     []string
	sizes      []string
	suppliers  []string
}

func NewSeeded() *Memory {
	products := []Product{
		{
			ID: "prod-camiseta-basica", Code: "CAM-001", Name: "Camiseta Básica",
			PriceCents: 4990, CostPriceCents: 2100,
			Variations: []Variation{
				{Color: "white", Size: "P"}, {Color: "white", Size: "M"}, {Color: "white", Size: "G"},
				{Color: "black", Size: "P"}, {Color: "black", Size: "M"}, {Color: "black", Size: "G"},
			},
		},
		{
			ID: "prod-calca-jeans", Code: "CAL-010", Name: "Calça Jeans Slim",
			PriceCents: 15990, CostPriceCents: 7400,
			Variations: []Variation{
				{Color: "blue", Size: "38"}, {Color: "blue", Size: "40"}, {Color: "blue", Size: "42"},
				{Color: "black", Size: "40"}, {Color: "black", Size: "42"},
			},
		},
		{
			ID: "prod-vestido-midi", Code: "VES-021", Name: "Vestido Midi Floral",
			PriceCents: 18990, CostPriceCents: 8900,
			Variations: []Variation{
				{Color: "red", Size: "P"}, {Color: "red", Size: "M"},
				{Color: "green", Size: "M"}, {Color: "green", Size: "G"},
			},
		},
		{
			ID: "prod-jaqueta-corta-vento", Code: "JAQ-005", Name: "Jaqueta Corta-Vento",
			PriceCents: 22990, CostPriceCents: 11200,
			Variations: []Variation{
				{Color: "navy", Size: "M"}, {Color: "navy", Size: "G"}, {Color: "olive", Size: "M"},
			},
		},
		{
			ID: "prod-meia-kit3", Code: "MEI-101", Name: "Kit 3 Meias Cano Médio",
			PriceCents: 2990, CostPriceCents: 1150,
			Variations: []Variation{
				{Color: "white", Size: "U"}, {Color: "black", Size: "U"},
			},
		},
	}

	productMap := make(map[string]Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Memory{
		products:   productMap,
		categories: []string{"camisetas", "calças", "vestidos", "jaquetas", "acessórios"},
		colors:     []string{"white", "black", "blue", "red", "green", "navy", "olive"},
		sizes:      []string{"P", "M", "G", "38", "40", "42", "U"},
		suppliers:  []string{"Confecções Aurora", "Malharia Sul", "Têxtil Horizonte"},
	}
}

func (m *Memory) GetProduct(_ context.Context, id string) (*Product, error) {
	product, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &product, nil
}

func (m *Memory) ListCategories(_ context.Context) ([]string, error) { return m.categories, nil }
func (m *Memory) ListColors(_ context.Context) ([]string, error)     { return m.colors, nil }
func (m *Memory) ListSizes(_ context.Context) ([]string, error)      { return m.sizes, nil }
func (m *Memory) ListSuppliers(_ context.Context) ([]string, error)  { return m.suppliers, nil }
