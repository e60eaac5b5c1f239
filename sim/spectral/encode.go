package spectral

import (
	"bytes"
	"fmt"
	"math"

	"github.com/inference-sim/xraysim/sim/internal/columnar"
)

var tableMagic = [4]byte{'X', 'S', 'P', 'T'}

type tableHeader struct {
	Model  string      `yaml:"model"`
	Params TableParams `yaml:"params"`
}

// MarshalBinary encodes the table in the columnar container format.
func (t *Table) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := columnar.Write(&buf, tableMagic, tableHeader{Model: t.model, Params: t.params}, []columnar.Column{
		{Name: "edges", Data: t.edges},
		{Name: "kt", Data: t.kT},
		{Name: "continuum", Data: t.cont},
		{Name: "metals", Data: t.metals},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalTable decodes a table written by MarshalBinary and checks that
// its columns agree with its parameters.
func UnmarshalTable(data []byte) (*Table, error) {
	var hdr tableHeader
	cols, err := columnar.Read(bytes.NewReader(data), tableMagic, &hdr)
	if err != nil {
		return nil, err
	}
	if err := hdr.Params.Validate(); err != nil {
		return nil, fmt.Errorf("stored params: %w", err)
	}
	p := hdr.Params
	t := &Table{params: p, model: hdr.Model}
	want := map[string]int{
		"edges": p.NChan + 1, "kt": p.NKT, "continuum": p.NKT * p.NChan, "metals": p.NKT * p.NChan,
	}
	for name, n := range want {
		data, ok := columnar.Lookup(cols, name)
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		if len(data) != n {
			return nil, fmt.Errorf("column %q has %d values, want %d", name, len(data), n)
		}
		switch name {
		case "edges":
			t.edges = data
		case "kt":
			t.kT = data
		case "continuum":
			t.cont = data
		case "metals":
			t.metals = data
		}
	}
	t.logKT = make([]float64, len(t.kT))
	for i, kT := range t.kT {
		if !(kT > 0) {
			return nil, fmt.Errorf("non-positive temperature %g in row %d", kT, i)
		}
		t.logKT[i] = math.Log(kT)
	}
	return t, nil
}
