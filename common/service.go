// common/service.go
package common

import (
	"github.com/YaganovValera/retry-pattern/common/backoff"
	consumer "github.com/YaganovValera/retry-pattern/common/kafka/consumer"
	producer "github.com/YaganovValera/retry-pattern/common/kafka/producer"
	"github.com/YaganovValera/retry-pattern/common/middleware"
)

// InitServiceName проставляет лейбл "service" во всех метриках common:
// back-off, sarama-адаптеры и HTTP middleware. Вызывается один раз до
// первого подключения к брокеру.
func InitServiceName(name string) {
	for _, set := range []func(string){
		backoff.SetServiceLabel,
		producer.SetServiceLabel,
		consumer.SetServiceLabel,
		middleware.SetServiceLabel,
	} {
		set(name)
	}
}
