package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "veritas"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanProofs — сюда публикуется каждый записанный пруф (успешный и FAILED).
	RedisChanProofs = RedisNamespace + ":proofs:completed"
)

// GetPolicyChannel — отдельный канал на политику, если подписчику нужен только один поток.
func GetPolicyChannel(policyID string) string {
	return fmt.Sprintf("%s:proofs:%s", RedisNamespace, policyID)
}
