package outbox

import "strings"

// IdempotencyKey returns the queue job id of a record: its event key when set,
// otherwise "<topic>__<id>". Characters the queue does not accept in job ids
// are replaced by '_'.
func IdempotencyKey(r *Record) string {
	key := r.EventKey
	if key == "" {
		key = string(r.Topic) + "__" + r.ID.String()
	}
	return sanitizeKey(key)
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
