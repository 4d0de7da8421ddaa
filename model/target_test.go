package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomTarget(t *testing.T) {
	type want struct {
		roomID string
		err    error
	}
	tests := []struct {
		name   string
		target string
		want   want
	}{
		{
			name:   "valid target",
			target: "room:alpha",
			want:   want{roomID: "alpha"},
		},
		{
			name:   "room id with separators",
			target: "room:team-standup:42",
			want:   want{roomID: "team-standup:42"},
		},
		{
			name:   "missing prefix",
			target: "alpha",
			want:   want{err: ErrTargetPrefix},
		},
		{
			name:   "wrong prefix",
			target: "lobby:alpha",
			want:   want{err: ErrTargetPrefix},
		},
		{
			name:   "empty room id",
			target: "room:",
			want:   want{err: ErrTargetEmpty},
		},
		{
			name:   "empty target",
			target: "",
			want:   want{err: ErrTargetPrefix},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roomID, err := ParseRoomTarget(tt.target)
			if tt.want.err != nil {
				require.ErrorIs(t, err, tt.want.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.roomID, roomID)
		})
	}
}
