package queue

import "strings"

// DefaultKeyPrefix namespaces every store key of the engine.
const DefaultKeyPrefix = "users:queue"

const (
	waitSuffix  = ":wait"
	allowSuffix = ":allow"
)

// keySpace maps queue names to store keys:
//
//	<prefix>:<queue>:wait
//	<prefix>:<queue>:allow
type keySpace struct {
	prefix string
}

func (k keySpace) wait(queue string) string  { return k.prefix + ":" + queue + waitSuffix }
func (k keySpace) allow(queue string) string { return k.prefix + ":" + queue + allowSuffix }

func (k keySpace) waitPattern() string { return k.prefix + ":*" + waitSuffix }

// queueFromWait extracts the queue name from a wait key.
func (k keySpace) queueFromWait(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, k.prefix+":")
	if !ok {
		return "", false
	}
	queue, ok := strings.CutSuffix(rest, waitSuffix)
	if !ok || queue == "" {
		return "", false
	}
	return queue, true
}
