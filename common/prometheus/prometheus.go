package prometheus

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler возвращает HTTP-обработчик для /metrics поверх DefaultGatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// RegisterAll регистрирует коллекторы в r (nil → DefaultRegisterer).
// Повторная регистрация того же коллектора не считается ошибкой.
func RegisterAll(r prometheus.Registerer, cs ...prometheus.Collector) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
