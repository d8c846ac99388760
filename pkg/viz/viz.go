// Package viz renders the journal's change graph, showing how one root key evolved commit by commit.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Step is one change in the history of a document and the value a root key had after it.
type Step struct {
	Hash         string
	Actor        string
	Seq          uint64
	Message      string
	Dependencies []string
	Value        any
}

func (s Step) Label() string {
	encoded, err := json.Marshal(s.Value)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", s.Value))
	}
	return fmt.Sprintf("%s %s@%d %s %s", s.Hash[:8], s.Actor, s.Seq, s.Message, encoded)
}

// History walks every change of doc in order and reads key at each of them.
func History(doc *automerge.Doc, key string) ([]Step, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	steps := make([]Step, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var raw any
		if value, err := docAt.Path(key).Get(); err == nil {
			raw = value.Interface()
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, hash := range change.Dependencies() {
			deps = append(deps, hash.String())
		}
		steps = append(steps, Step{
			Hash:         change.Hash().String(),
			Actor:        change.ActorID(),
			Seq:          change.ActorSeq(),
			Message:      change.Message(),
			Dependencies: deps,
			Value:        raw,
		})
	}
	return steps, nil
}

// RenderHistory writes the history of key as an SVG graph to w.
func RenderHistory(doc *automerge.Doc, key string, w io.Writer) error {
	steps, err := History(doc, key)
	if err != nil {
		return err
	}

	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, step := range steps {
		n, err := graph.CreateNode(step.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(step.Label())
		nodeMap[n.Name()] = n

		for _, hash := range step.Dependencies {
			parent, ok := nodeMap[hash]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderHistoryToFile(doc *automerge.Doc, key, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer f.Close()
	return RenderHistory(doc, key, f)
}

func RenderToTemp(doc *automerge.Doc, key string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToFile(doc, key, tf); err != nil {
		return "", err
	}
	return tf, nil
}
