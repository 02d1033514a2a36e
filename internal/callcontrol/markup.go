// Package callcontrol turns call-control clauses into carrier markup and
// drives the call and message webhooks through the kernel.
package callcontrol

import (
	"encoding/xml"
	"fmt"
)

// Document is a call-control response under construction.
type Document struct {
	verbs []interface{}
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type playVerb struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type dialVerb struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   string   `xml:"Number"`
}

type gatherVerb struct {
	XMLName               xml.Name `xml:"Gather"`
	Input                 string   `xml:"input,attr"`
	Action                string   `xml:"action,attr"`
	PartialResultCallback string   `xml:"partialResultCallback,attr,omitempty"`
	Hints                 string   `xml:"hints,attr,omitempty"`
	Timeout               int      `xml:"timeout,attr,omitempty"`
	Verbs                 []interface{}
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

type redirectVerb struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

func (d *Document) Say(text, voice string) {
	d.verbs = append(d.verbs, sayVerb{Voice: voice, Text: text})
}

func (d *Document) Play(url string) {
	d.verbs = append(d.verbs, playVerb{URL: url})
}

func (d *Document) Hangup() {
	d.verbs = append(d.verbs, hangupVerb{})
}

func (d *Document) Redirect(url string) {
	d.verbs = append(d.verbs, redirectVerb{URL: url})
}

// Empty reports whether the document has no verbs.
func (d *Document) Empty() bool {
	return len(d.verbs) == 0
}

// Bytes renders the document with the XML header.
func (d *Document) Bytes() ([]byte, error) {
	out, err := xml.Marshal(response{Verbs: d.verbs})
	if err != nil {
		return nil, fmt.Errorf("marshal markup: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// EmptyResponse is the markup for "nothing to do".
func EmptyResponse() []byte {
	b, _ := (&Document{}).Bytes()
	return b
}
