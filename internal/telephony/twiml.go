package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

var ErrEmptyUtterance = errors.New("utterance has neither text nor audio")

// holdPause is how long each hold document waits before redirecting to itself.
const holdPause = 30

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlStart struct {
	XMLName xml.Name    `xml:"Start"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL   string `xml:"url,attr"`
	Track string `xml:"track,attr,omitempty"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderConnect forks inbound audio to mediaURL and then parks the call on hold.
func RenderConnect(mediaURL, holdURL string) (string, error) {
	return render(
		twimlStart{Stream: twimlStream{URL: mediaURL, Track: "inbound_track"}},
		twimlPause{Length: holdPause},
		twimlRedirect{Method: "POST", URL: holdURL},
	)
}

// RenderHold keeps the call open while the person answers. The media stream started at
// connect time keeps running across redirects.
func RenderHold(holdURL string) (string, error) {
	return render(
		twimlPause{Length: holdPause},
		twimlRedirect{Method: "POST", URL: holdURL},
	)
}

// RenderSpeak plays the utterance, then either hangs up or returns to hold. Audio wins
// over text when both are set.
func RenderSpeak(u Utterance, voice, holdURL string) (string, error) {
	var verbs []any

	switch {
	case strings.TrimSpace(u.AudioURL) != "":
		verbs = append(verbs, twimlPlay{URL: u.AudioURL})
	case strings.TrimSpace(u.Text) != "":
		verbs = append(verbs, twimlSay{Voice: voice, Text: u.Text})
	default:
		return "", ErrEmptyUtterance
	}

	if u.HangUp {
		verbs = append(verbs, twimlHangup{})
	} else {
		verbs = append(verbs, twimlPause{Length: holdPause}, twimlRedirect{Method: "POST", URL: holdURL})
	}

	return render(verbs...)
}

func render(verbs ...any) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)

	err := enc.Encode(twimlResponse{Verbs: verbs})
	if err != nil {
		return "", err
	}

	err = enc.Flush()
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}
