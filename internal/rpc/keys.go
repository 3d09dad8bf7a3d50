package rpc

const keyPrefix = "telemetryd:rpc:"

func nodeQueueKey(node string) string {
	return keyPrefix + "node:" + node
}

func replyKey(id string) string {
	return keyPrefix + "reply:" + id
}
