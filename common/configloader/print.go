package configloader

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PrintConfig выводит конфиг в читаемом виде; значения полей *password* маскируются.
func PrintConfig(v interface{}) {
	fmt.Println("Loaded configuration:\n", Render(v))
}

// Render возвращает JSON-представление конфига с замаскированными секретами.
func Render(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return string(raw)
	}
	b, _ := json.MarshalIndent(mask(tree), "", "  ")
	return string(b)
}

func mask(node interface{}) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		for k, v := range n {
			if s, ok := v.(string); ok && s != "" && strings.Contains(strings.ToLower(k), "password") {
				n[k] = "******"
				continue
			}
			n[k] = mask(v)
		}
	case []interface{}:
		for i := range n {
			n[i] = mask(n[i])
		}
	}
	return node
}
