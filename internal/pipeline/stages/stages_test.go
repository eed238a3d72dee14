package stages

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/hwbuild/internal/llm/llmtest"
	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages/stagetest"
)

type fakeCatalog struct {
	parts []parts.Part
}

func (f fakeCatalog) Search(_ context.Context, q string, limit int) ([]parts.Part, error) {
	var out []parts.Part
	for _, p := range f.parts {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(q)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakeCatalog) Stats(context.Context) (*parts.Stats, error) {
	return &parts.Stats{TotalParts: len(f.parts), PricedParts: len(f.parts)}, nil
}

// runStage runs one handler against pc and merges the result.
func runStage(t *testing.T, table map[runtime.StageID]Handler, pc *runtime.ProjectContext, dir string, id runtime.StageID) {
	t.Helper()
	out, err := table[id].Handle(context.Background(), &Input{RunID: "r1", ArtifactDir: dir, Context: pc.Clone()})
	require.NoError(t, err, "stage %s", id)
	b, err := json.Marshal(out)
	require.NoError(t, err)
	require.NoError(t, pc.Merge(id, b))
}

func TestTable_CoversEveryStage(t *testing.T) {
	table := Table(Deps{})
	require.Len(t, table, len(runtime.Stages()))
	for _, id := range runtime.Stages() {
		h, ok := table[id]
		require.True(t, ok, "no handler for %s", id)
		assert.Equal(t, id, h.Stage())
		assert.Equal(t, id.Task(), h.Task())
		assert.NotEmpty(t, h.Required())
	}
}

func TestContract_Check(t *testing.T) {
	table := Table(Deps{})
	contracts, err := Contracts(table)
	require.NoError(t, err)

	pc := runtime.NewProjectContext("a weather station")
	tests := []struct {
		stage   runtime.StageID
		payload map[string]any
		missing []string
	}{
		{runtime.StageRequirements, pc.Payload(), nil},
		{runtime.StageParts, pc.Payload(), []string{runtime.FieldRequirements}},
		{runtime.StageQuoter, pc.Payload(), []string{runtime.FieldBOM, runtime.FieldCADFiles, runtime.FieldPCBDesign}},
		{runtime.StageRequirements, map[string]any{}, []string{runtime.FieldPrompt}},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			err := contracts[tt.stage].Check(tt.payload)
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var ice *runtime.InvalidContextError
			require.ErrorAs(t, err, &ice)
			assert.Equal(t, tt.stage, ice.Stage)
			assert.Equal(t, tt.missing, ice.Missing)
		})
	}
}

func TestContract_WrongShapeIsInvalid(t *testing.T) {
	c, err := NewContract(runtime.StagePCB, []string{runtime.FieldBOM})
	require.NoError(t, err)
	err = c.Check(map[string]any{runtime.FieldBOM: "not a list"})
	var ice *runtime.InvalidContextError
	require.ErrorAs(t, err, &ice)
	assert.Empty(t, ice.Missing)
	assert.Contains(t, ice.Reason, "/bom")
}

func TestQuote_Arithmetic(t *testing.T) {
	bom := []runtime.Part{
		{Name: "ESP32", Price: 300, Quantity: 1},
		{Name: "Resistor", EstimatedPrice: 10, Quantity: 5},
		{Name: "Wires", Price: 250},
	}
	tests := []struct {
		name      string
		pcb       runtime.PCBDesign
		wantPCB   float64
		wantSize  string
		wantTotal float64
	}{
		{"default board", runtime.PCBDesign{}, 1.80, "60x40", 13.6},
		{"large layout board", runtime.PCBDesign{Layout: runtime.PCBLayout{DimensionsMM: &runtime.Dimensions{Width: 100, Height: 80}}}, 3.12, "100x80", 15.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Quote(bom, tt.pcb, 0.012)
			assert.Equal(t, 7.20, q.Breakdown.Parts.Total)
			assert.Len(t, q.Breakdown.Parts.Items, 3)
			assert.Equal(t, 1, q.Breakdown.Parts.Items[2].Quantity)
			assert.Equal(t, tt.wantPCB, q.Breakdown.PCBFabrication.Total)
			assert.Equal(t, tt.wantSize, q.Breakdown.PCBFabrication.BoardSizeMM)
			assert.Equal(t, 2.40, q.Breakdown.Printing.Total)
			assert.Equal(t, 0.96, q.Breakdown.Shipping.Total)
			assert.Equal(t, "10%", q.Breakdown.PlatformFee.Rate)
			assert.Equal(t, tt.wantTotal, q.Total)
			assert.Equal(t, "USD", q.Currency)
			assert.Equal(t, "1 USD = 83.3 INR", q.ConversionRate)
		})
	}
}

func TestWarnings(t *testing.T) {
	tests := []struct {
		stage  runtime.StageID
		result string
		want   []string
	}{
		{runtime.StageRequirements, `{"project_name":"x","components_needed":["a"]}`, nil},
		{runtime.StageRequirements, `{"project_name":"","components_needed":[]}`, []string{"/project_name", "/components_needed"}},
		{runtime.StageParts, `[{"name":"a","quantity":1},{"name":"b","quantity":1,"price":5},{"name":"c","quantity":1}]`, []string{"2/3 parts have no price"}},
		{runtime.StageParts, `[]`, []string{"/"}},
		{runtime.StagePCB, `{"circuit_design":{"connections":[]},"layout":{"layers":40}}`, []string{"/circuit_design/connections", "/layout/layers"}},
		{runtime.StageAssembler, `{"steps":[{"title":""}]}`, []string{"/steps/0/title"}},
		{runtime.StageQuoter, `{"total":-1,"currency":"INR"}`, []string{"/total", "/currency"}},
		{runtime.StageCAD, `[]`, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			got := Warnings(tt.stage, json.RawMessage(tt.result))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, len(tt.want), "%v", got)
			for _, w := range tt.want {
				found := false
				for _, g := range got {
					if strings.Contains(g, w) {
						found = true
					}
				}
				assert.True(t, found, "no warning mentions %q in %v", w, got)
			}
		})
	}
}

func TestHandlers_WeatherStation(t *testing.T) {
	dir := t.TempDir()
	gen := stagetest.Generator()
	table := Table(Deps{Generator: gen})
	pc := runtime.NewProjectContext(stagetest.WeatherStationPrompt)
	for _, id := range runtime.Stages() {
		runStage(t, table, pc, dir, id)
	}

	require.NotNil(t, pc.Requirements)
	assert.Equal(t, "Solar Weather Station", pc.Requirements.ProjectName)
	require.Len(t, pc.BOM, 5)
	assert.Equal(t, 1, pc.BOM[4].Quantity)
	require.NotNil(t, pc.PCBDesign)
	assert.Len(t, pc.PCBDesign.CircuitDesign.Connections, 3)
	assert.Equal(t, SchematicPath, pc.PCBDesign.SchematicPath)
	assert.Equal(t, []string{EnclosurePath, LidPath}, pc.CADFiles)
	require.NotNil(t, pc.Assembly)
	assert.Len(t, pc.Assembly.Steps, 4)
	require.NotNil(t, pc.Quote)
	assert.Equal(t, 7.20, pc.Quote.Breakdown.Parts.Total)
	assert.Equal(t, pc.Quote.Total, pc.TotalCost)

	sch, err := os.ReadFile(filepath.Join(dir, SchematicPath))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sch), "(kicad_sch"), "fence not stripped: %q", sch)
	scad, err := os.ReadFile(filepath.Join(dir, EnclosurePath))
	require.NoError(t, err)
	assert.NotContains(t, string(scad), "```")

	assert.Equal(t, []string{
		"requirements", "parts.suggest", "pcb.circuit", "pcb.schematic", "pcb.layout",
		"cad.enclosure", "cad.lid", "assembly",
	}, gen.Purposes())
}

func TestParts_SelectsFromCatalog(t *testing.T) {
	gen := stagetest.Generator()
	cat := fakeCatalog{parts: []parts.Part{
		{Name: "ESP32 DevKit V1", URL: "https://robu.in/p/esp32", Price: 450, Category: "Boards", InStock: true},
		{Name: "BME280 Sensor", URL: "https://robu.in/p/bme280", Price: 310, Category: "Sensors", InStock: true},
	}}
	table := Table(Deps{Generator: gen, Catalog: cat})
	pc := runtime.NewProjectContext(stagetest.WeatherStationPrompt)
	runStage(t, table, pc, t.TempDir(), runtime.StageRequirements)
	runStage(t, table, pc, t.TempDir(), runtime.StageParts)

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "parts.select", calls[1].Purpose)
	assert.Contains(t, calls[1].User, "ESP32 DevKit V1 [₹450] (Boards)")
	assert.Contains(t, calls[1].System, "database of 2 products")

	require.Len(t, pc.BOM, 5)
	assert.Equal(t, "https://robu.in/p/esp32", pc.BOM[0].URL)
	assert.Equal(t, 300.0, pc.BOM[0].Price)
	require.NotNil(t, pc.BOM[0].InStock)
	assert.True(t, *pc.BOM[0].InStock)
}

func TestParts_CapsBOMAndAcceptsWrappedArray(t *testing.T) {
	gen := llmtest.NewScripted(map[string]string{
		"parts.suggest": `{"bom": [{"name":"a","quantity":0},{"name":"b"},{"name":" "},{"name":"c"}]}`,
	})
	table := Table(Deps{Generator: gen, BOMMax: 2})
	pc := runtime.NewProjectContext("x")
	require.NoError(t, pc.Merge(runtime.StageRequirements, json.RawMessage(`{"components_needed":["a"]}`)))
	runStage(t, table, pc, t.TempDir(), runtime.StageParts)
	require.Len(t, pc.BOM, 2)
	assert.Equal(t, "a", pc.BOM[0].Name)
	assert.Equal(t, 1, pc.BOM[0].Quantity)
}

func TestHandlers_ErrorKinds(t *testing.T) {
	pc := runtime.NewProjectContext(stagetest.WeatherStationPrompt)

	gen := llmtest.NewScripted(nil).Set("requirements", llmtest.Reply{Err: errors.New("upstream 503")})
	_, err := Table(Deps{Generator: gen})[runtime.StageRequirements].Handle(context.Background(), &Input{Context: pc.Clone()})
	assert.Equal(t, runtime.KindGeneration, runtime.ErrorKind(err))

	gen = llmtest.NewScripted(map[string]string{"requirements": "I cannot help with that."})
	_, err = Table(Deps{Generator: gen})[runtime.StageRequirements].Handle(context.Background(), &Input{Context: pc.Clone()})
	assert.Equal(t, runtime.KindUnrepairableOutput, runtime.ErrorKind(err))
}

func TestPCB_UnrepairableCircuitStopsBeforeSchematic(t *testing.T) {
	dir := t.TempDir()
	gen := stagetest.FailingPCB()
	table := Table(Deps{Generator: gen})
	pc := runtime.NewProjectContext(stagetest.WeatherStationPrompt)
	runStage(t, table, pc, dir, runtime.StageRequirements)
	runStage(t, table, pc, dir, runtime.StageParts)

	_, err := table[runtime.StagePCB].Handle(context.Background(), &Input{ArtifactDir: dir, Context: pc.Clone()})
	assert.Equal(t, runtime.KindUnrepairableOutput, runtime.ErrorKind(err))
	_, statErr := os.Stat(filepath.Join(dir, SchematicPath))
	assert.True(t, os.IsNotExist(statErr))
}

func TestArtifactPath_RefusesEscape(t *testing.T) {
	_, err := artifactPath("/tmp/run", "../etc/passwd")
	assert.Error(t, err)
	p, err := artifactPath("/tmp/run", "cad/lid.scad")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/run", "cad", "lid.scad"), p)
}
