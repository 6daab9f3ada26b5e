// Package configloader собирает конфиг сервиса из трёх слоёв:
// зарегистрированные defaults → ENV (<PREFIX>_SECTION_KEY) → YAML-файл.
package configloader

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

var registry = struct {
	sync.RWMutex
	values map[string]interface{}
}{values: make(map[string]interface{})}

// RegisterDefaults задаёт значение по умолчанию для ключа ("kafka.topic").
// Обычно вызывается из init() пакета config сервиса.
func RegisterDefaults(key string, value interface{}) {
	registry.Lock()
	registry.values[key] = value
	registry.Unlock()
}

func applyDefaults(v *viper.Viper) {
	registry.RLock()
	defer registry.RUnlock()
	for k, val := range registry.values {
		v.SetDefault(k, val)
	}
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

// Load заполняет cfgPtr. Пустой path заменяется значением <PREFIX>_CONFIG;
// если нет и его, файл не читается. Если cfgPtr реализует Validate() error,
// результат проверяется.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()
	applyDefaults(v)

	// ENV: RETRYPATTERN_KAFKA_TOPIC → kafka.topic
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" && envPrefix != "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	if vc, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := vc.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}
	return nil
}
