package store

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultSentinels are the placeholder room ids the backend answers when room
// resolution fails. They were never real rooms.
var DefaultSentinels = []int64{0, -1}

func encodeID(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func decodeID(b []byte) (int64, error) {
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("error parse room id `%s`: %v", string(b), err)
	}
	return id, nil
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{'1'}
	}
	return []byte{'0'}
}

func decodeBool(b []byte) bool {
	return len(b) == 1 && b[0] == '1'
}

func encodeTime(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.Unix(), 10))
}
