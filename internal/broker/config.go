// Package broker implements BrokerSupervisor: detection, lifecycle
// control, XML configuration parsing/watching, and admin-HTTP status
// polling for the Icecast-compatible broker process.
package broker

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is BrokerConfig (spec.md §3): the parameters parsed from the
// broker's XML configuration. The XML file is always the source of
// truth; Config is re-derived from it on every parse, never the other
// way around, per INV-B1 (passwords are never written to disk by this
// system — they are only ever read from the broker's own XML).
type Config struct {
	Port           int
	Hostname       string
	SourcePassword string
	AdminPassword  string
	MaxListeners   int
	MaxSources     int
}

// icecastXML mirrors the subset of an Icecast-style configuration file
// this system reads and rewrites. Unknown elements are preserved via
// xml.Token passthrough in rewriteXML rather than being modeled here,
// so a round trip never drops fields this system doesn't understand.
type icecastXML struct {
	XMLName        xml.Name `xml:"icecast"`
	Hostname       string   `xml:"hostname"`
	Limits         limits   `xml:"limits"`
	Authentication auth     `xml:"authentication"`
	ListenSocket   listen   `xml:"listen-socket"`
}

type limits struct {
	Clients int `xml:"clients"`
	Sources int `xml:"sources"`
}

type auth struct {
	SourcePassword string `xml:"source-password"`
	AdminPassword  string `xml:"admin-password"`
}

type listen struct {
	Port int `xml:"port"`
}

// ParseXML reads and parses the broker's configuration file at path.
func ParseXML(path string) (*Config, error) {
	// #nosec G304 -- path is an operator-supplied broker config location
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read broker config %s: %w", path, err)
	}

	var doc icecastXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse broker config %s: %w", path, err)
	}

	return &Config{
		Port:           doc.ListenSocket.Port,
		Hostname:       doc.Hostname,
		SourcePassword: doc.Authentication.SourcePassword,
		AdminPassword:  doc.Authentication.AdminPassword,
		MaxListeners:   doc.Limits.Clients,
		MaxSources:     doc.Limits.Sources,
	}, nil
}

// Update patches specific fields of the broker's XML config file
// in-place (the set of fields configure() supports) and re-parses,
// returning the resulting Config. Fields left at their zero value in
// patch are left unchanged in the file. The rewrite goes through
// rewriteXML rather than unmarshal-then-remarshal, so elements this
// system doesn't model (<paths>, <logging>, <mount>, <security>, …)
// survive the round trip untouched.
func Update(path string, patch Config) (*Config, error) {
	// #nosec G304 -- path is an operator-supplied broker config location
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read broker config %s: %w", path, err)
	}

	out, err := rewriteXML(data, patch)
	if err != nil {
		return nil, fmt.Errorf("rewrite broker config %s: %w", path, err)
	}

	if err := writeAtomic(path, out); err != nil {
		return nil, fmt.Errorf("write broker config %s: %w", path, err)
	}

	return ParseXML(path)
}

// leafPaths maps each field configure() supports to the dotted element
// path (root-qualified, "icecast>...") that carries it in the broker's
// XML schema.
var leafPaths = struct {
	hostname, clients, sources, port, sourcePassword, adminPassword string
}{
	hostname:       "icecast>hostname",
	clients:        "icecast>limits>clients",
	sources:        "icecast>limits>sources",
	port:           "icecast>listen-socket>port",
	sourcePassword: "icecast>authentication>source-password",
	adminPassword:  "icecast>authentication>admin-password",
}

// rewriteXML walks data token-by-token, substituting the character data
// of only the leaf elements patch sets a non-zero value for and copying
// every other token through byte-identical. This is the xml.Token
// passthrough the package doc describes: it never requires modeling the
// full Icecast schema, so elements this system doesn't know about are
// never dropped.
func rewriteXML(data []byte, patch Config) ([]byte, error) {
	targets := map[string]string{}
	if patch.Hostname != "" {
		targets[leafPaths.hostname] = patch.Hostname
	}
	if patch.MaxListeners != 0 {
		targets[leafPaths.clients] = strconv.Itoa(patch.MaxListeners)
	}
	if patch.MaxSources != 0 {
		targets[leafPaths.sources] = strconv.Itoa(patch.MaxSources)
	}
	if patch.Port != 0 {
		targets[leafPaths.port] = strconv.Itoa(patch.Port)
	}
	if patch.SourcePassword != "" {
		targets[leafPaths.sourcePassword] = patch.SourcePassword
	}
	if patch.AdminPassword != "" {
		targets[leafPaths.adminPassword] = patch.AdminPassword
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	var path []string
	applied := make(map[string]bool, len(targets))

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode broker config: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			if err := enc.EncodeToken(t.Copy()); err != nil {
				return nil, err
			}

		case xml.EndElement:
			joined := strings.Join(path, ">")
			// An empty/self-closing target element (e.g. <port/>)
			// never produces a CharData token, so insert the
			// replacement text here if nothing wrote it already.
			if replacement, ok := targets[joined]; ok && !applied[joined] {
				if err := enc.EncodeToken(xml.CharData([]byte(replacement))); err != nil {
					return nil, err
				}
				applied[joined] = true
			}
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}

		case xml.CharData:
			joined := strings.Join(path, ">")
			if replacement, ok := targets[joined]; ok {
				if err := enc.EncodeToken(xml.CharData([]byte(replacement))); err != nil {
					return nil, err
				}
				applied[joined] = true
				continue
			}
			if err := enc.EncodeToken(t.Copy()); err != nil {
				return nil, err
			}

		default:
			if err := enc.EncodeToken(tok); err != nil {
				return nil, err
			}
		}
	}

	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encode broker config: %w", err)
	}

	for joined := range targets {
		if !applied[joined] {
			return nil, fmt.Errorf("broker config has no %s element to update", joined)
		}
	}

	return buf.Bytes(), nil
}

// writeAtomic performs a write-temp-then-rename, the same durability
// idiom the teacher's internal/config/config.go Save/saveWith uses for
// streams.json-equivalent documents, applied here to the broker's own
// XML file when configure() edits it.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".broker-config-*.xml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}
