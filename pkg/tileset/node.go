// Package tileset walks 3D Tiles tileset documents and fetches their leaf
// content through the request dispatcher.
package tileset

import (
	"bytes"
	stdjson "encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TileNode is one tile of a tileset, parsed once from JSON.
type TileNode struct {
	// ContentURI is content.uri, or the legacy content.url. Nil when the
	// node has no usable content.
	ContentURI *string
	// Children are the well-formed children in document order.
	Children []TileNode
	// HasChildren is true when a children array is present, even if empty.
	HasChildren bool
	// Malformed counts children that were not JSON objects.
	Malformed int
	// Raw is the node's JSON.
	Raw stdjson.RawMessage
}

type nodeWire struct {
	Content  stdjson.RawMessage `json:"content"`
	Children stdjson.RawMessage `json:"children"`
}

type contentWire struct {
	URI *string `json:"uri"`
	URL *string `json:"url"`
}

// ParseNode decodes a tile. It reports false when raw is not a JSON object.
// A malformed content object leaves ContentURI nil; malformed children are
// counted and dropped.
func ParseNode(raw []byte) (TileNode, bool) {
	if !isObject(raw) {
		return TileNode{}, false
	}
	var w nodeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return TileNode{}, false
	}

	n := TileNode{Raw: stdjson.RawMessage(raw)}

	if isObject(w.Content) {
		var c contentWire
		if err := json.Unmarshal(w.Content, &c); err == nil {
			switch {
			case c.URI != nil:
				n.ContentURI = c.URI
			case c.URL != nil:
				n.ContentURI = c.URL
			}
		}
	}

	if isArray(w.Children) {
		n.HasChildren = true
		var children []stdjson.RawMessage
		if err := json.Unmarshal(w.Children, &children); err == nil {
			n.Children = make([]TileNode, 0, len(children))
			for _, c := range children {
				child, ok := ParseNode(c)
				if !ok {
					n.Malformed++
					continue
				}
				n.Children = append(n.Children, child)
			}
		}
	}
	return n, true
}

// Document is a parsed tileset.
type Document struct {
	Version string
	Root    TileNode
	// RootOK is false when root is missing or not an object.
	RootOK bool
}

type documentWire struct {
	Asset struct {
		Version string `json:"version"`
	} `json:"asset"`
	Root stdjson.RawMessage `json:"root"`
}

// ErrNotTileset is returned for JSON that is not an object.
var ErrNotTileset = errors.New("tileset: document is not a JSON object")

// ParseDocument decodes a tileset document.
func ParseDocument(body []byte) (Document, error) {
	if !isObject(body) {
		return Document{}, ErrNotTileset
	}
	var w documentWire
	if err := json.Unmarshal(body, &w); err != nil {
		return Document{}, err
	}
	d := Document{Version: w.Asset.Version}
	d.Root, d.RootOK = ParseNode(w.Root)
	return d, nil
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isArray(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
