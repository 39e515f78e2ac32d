package wavechat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionPresence(t *testing.T) {
	users := []User{
		{ID: 1, Username: "ann", IsOnline: true},
		{ID: 2, Username: "bob", IsOnline: true},
		{ID: 3, Username: "cat", IsOnline: false},
		{ID: 4, Username: "dan", IsOnline: true},
		{ID: 5, Username: "eve", IsOnline: false},
	}

	t.Run("viewer excluded, order kept", func(t *testing.T) {
		p := PartitionPresence(users, 2)
		assert.Equal(t, []string{"ann", "dan"}, names(p.Online))
		assert.Equal(t, []string{"cat", "eve"}, names(p.Offline))
		assert.Equal(t, []string{"ann", "dan", "cat", "eve"}, names(p.All()))
		assert.Equal(t, 4, p.Len())
	})

	t.Run("empty", func(t *testing.T) {
		p := PartitionPresence(nil, 1)
		assert.Empty(t, p.Online)
		assert.Empty(t, p.Offline)
		assert.NotNil(t, p.Online)
	})

	t.Run("only viewer", func(t *testing.T) {
		p := PartitionPresence(users[:1], 1)
		assert.Zero(t, p.Len())
	})
}

func names(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
