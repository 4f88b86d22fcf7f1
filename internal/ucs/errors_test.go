package ucs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExceptionHeadersRoundTrip(t *testing.T) {
	h := http.Header{}
	in := &Error{Kind: KindUnknownUser, Message: "no such user\nbob", ServiceID: "sms", Context: "ctx-1", ReceiverID: "bob"}
	WriteExceptionHeaders(h, in)

	err, ok := ErrorFromHeaders(h)
	require.True(t, ok)
	var out *Error
	require.True(t, errors.As(err, &out))
	assert.Equal(t, KindUnknownUser, out.Kind)
	assert.Equal(t, "no such user bob", out.Message)
	assert.Equal(t, "sms", out.ServiceID)
	assert.Equal(t, "ctx-1", out.Context)
	assert.Equal(t, "bob", out.ReceiverID)
}

func TestErrorFromHeadersAbsentMeansSuccess(t *testing.T) {
	err, ok := ErrorFromHeaders(http.Header{"Content-Type": []string{"application/json"}})
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestUnknownKindDecodesAsGeneral(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderExceptionType, "FluxCapacitorFault")
	err, ok := ErrorFromHeaders(h)
	require.True(t, ok)
	assert.True(t, IsKind(err, KindGeneral))
}

func TestUntypedErrorIsSentAsSystemFault(t *testing.T) {
	h := http.Header{}
	WriteExceptionHeaders(h, errors.New("boom"))
	assert.Equal(t, string(KindSystemFault), h.Get(HeaderExceptionType))
}

func TestNormalizeKeepsKnownKinds(t *testing.T) {
	typed := NewError(KindReadOnly, "cannot cancel")
	assert.Same(t, typed, Normalize(typed, "x"))

	wrapped := fmt.Errorf("outer: %w", typed)
	assert.Equal(t, KindReadOnly, KindOf(Normalize(wrapped, "x")))

	plain := Normalize(errors.New("disk gone"), "save failed")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Nil(t, Normalize(nil, "x"))
}

func TestParseAlertStatus(t *testing.T) {
	s, err := ParseAlertStatus("acknowledged")
	require.NoError(t, err)
	assert.Equal(t, AlertAcknowledged, s)

	_, err = ParseAlertStatus("Done")
	assert.True(t, IsKind(err, KindValidation))
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := &Message{
		MessageID:    "m1",
		Parts:        []BodyPart{{Content: "hi"}},
		Recipients:   []Recipient{{RecipientID: "r1"}},
		OnNoResponse: []Message{{MessageID: "esc", Parts: []BodyPart{{Content: "later"}}}},
	}
	cp := m.Clone()
	cp.Parts[0].Content = "changed"
	cp.OnNoResponse[0].Parts[0].Content = "changed"
	assert.Equal(t, "hi", m.Parts[0].Content)
	assert.Equal(t, "later", m.OnNoResponse[0].Parts[0].Content)
}

func TestSummarySubjectFallsBackToFirstPart(t *testing.T) {
	m := &Message{MessageID: "m1", Parts: []BodyPart{{Content: "body text"}}}
	assert.Equal(t, "body text", m.Summary().Subject)
	m.Subject = "subj"
	assert.Equal(t, "subj", m.Summary().Subject)
}

func TestReplyToURL(t *testing.T) {
	r := ReplyTo{Host: "127.0.0.1", Port: 8899, Context: "abc"}
	assert.Equal(t, "http://127.0.0.1:8899/abc", r.URL(""))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewError(KindMissingBodyType, "x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewError(KindInvalidAddress, "x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NewError(KindInvalidConversation, "x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(NewError(KindReadOnly, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func FuzzErrorFromHeaders(f *testing.F) {
	f.Add("read_only", "alert is Acknowledged\r\nnext")
	f.Add("", "")
	f.Add("martian", "x")

	f.Fuzz(func(t *testing.T, kind, fault string) {
		h := http.Header{}
		h.Set(HeaderExceptionType, kind)
		h.Set(HeaderExceptionFault, fault)
		err, ok := ErrorFromHeaders(h)
		if !ok {
			return
		}
		if _, known := knownKinds[KindOf(err)]; !known {
			t.Fatalf("decoded kind %q is outside the closed set", KindOf(err))
		}
	})
}
