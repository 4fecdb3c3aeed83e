package event

import (
	"encoding/json"
	"errors"
	"testing"

	"go-pairchat/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"valid", `{"event":"newMessage","data":{"roomId":"r","content":"hi"}}`, NewMessage, false},
		{"not json", `hello`, "", true},
		{"no name", `{"data":{}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperr.ErrInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Name)
		})
	}
}

func TestDecode(t *testing.T) {
	e, err := Parse([]byte(`{"event":"newMessage","data":{"roomId":"r1","content":"hi"}}`))
	require.NoError(t, err)

	var p NewMessagePayload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, NewMessagePayload{RoomID: "r1", Content: "hi"}, p)

	err = Event{Name: NewMessage}.Decode(&p)
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestFailureFrame(t *testing.T) {
	e := Failure(NewMessage, apperr.New(apperr.KindInsufficientCredits, "balance 1 is below 2"))

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"error","data":{"event":"newMessage","kind":"InsufficientCredits","reason":"balance 1 is below 2"}}`,
		string(raw))
}
