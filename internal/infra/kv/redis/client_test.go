package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_KeyPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "no prefix", prefix: "", want: "netsession:session"},
		{name: "bare prefix gets separator", prefix: "device-1", want: "device-1:netsession:session"},
		{name: "prefix with separator", prefix: "device-1:", want: "device-1:netsession:session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil, tt.prefix)
			assert.Equal(t, tt.want, s.key("netsession:session"))
		})
	}
}
