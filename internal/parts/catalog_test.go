package parts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "parts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	no := false
	_, err = c.Import(context.Background(), []ImportPart{
		{Name: "ESP32 DevKit V1 WiFi Bluetooth Board", URL: "https://robu.in/p/esp32-devkit", Price: 450, Category: "Development Boards"},
		{Name: "ESP32-CAM with OV2640 Camera", URL: "https://robu.in/p/esp32-cam", Price: 520, Category: "Development Boards"},
		{Name: "BME280 Temperature Humidity Pressure Sensor", URL: "https://robu.in/p/bme280", Price: 310, Category: "Sensors"},
		{Name: "DHT22 Temperature Sensor", URL: "https://robu.in/p/dht22", Price: 0, Category: "Sensors"},
		{Name: "0.96 inch OLED Display I2C", URL: "https://robu.in/p/oled-096", Price: 180, Category: "Displays", InStock: &no},
	})
	require.NoError(t, err)
	return c
}

func TestSanitizeFTS(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Flight controller (Pixhawk or similar)", []string{"flight", "controller"}},
		{"ESP32-CAM with OV2640", []string{"esp32", "cam", "ov2640"}},
		{"a 5V to 3.3V LDO", []string{"5v", "3v", "ldo"}},
		{"the and or", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFTS(tt.in))
		})
	}
}

func TestCatalog_SearchDedupesAndOrdersByPrice(t *testing.T) {
	c := seededCatalog(t)
	got, err := c.Search(context.Background(), "ESP32 board", 10)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	seen := map[string]bool{}
	for _, p := range got {
		assert.False(t, seen[p.URL], "duplicate %s", p.URL)
		seen[p.URL] = true
	}
	assert.True(t, seen["https://robu.in/p/esp32-devkit"])
	assert.True(t, seen["https://robu.in/p/esp32-cam"])
	assert.Equal(t, "Development Boards", got[0].Category)
}

func TestCatalog_SearchRespectsLimitAndUnpricedLast(t *testing.T) {
	c := seededCatalog(t)
	got, err := c.Search(context.Background(), "temperature sensor", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "https://robu.in/p/bme280", got[0].URL)
	assert.Zero(t, got[1].Price)

	one, err := c.Search(context.Background(), "temperature sensor", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestCatalog_SearchNoMatchReturnsEmpty(t *testing.T) {
	c := seededCatalog(t)
	got, err := c.Search(context.Background(), "stepper motor driver", 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCatalog_ImportUpsertsByURL(t *testing.T) {
	c := seededCatalog(t)
	n, err := c.Import(context.Background(), []ImportPart{
		{Name: "BME280 Sensor Module (new stock)", URL: "https://robu.in/p/bme280", Price: 299, Category: "Sensors"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalParts)
	assert.Equal(t, 4, s.PricedParts)
	assert.Equal(t, 3, s.Categories)
	require.NotNil(t, s.PriceRange.Min)
	assert.Equal(t, 180.0, *s.PriceRange.Min)
	assert.Equal(t, 520.0, *s.PriceRange.Max)
	require.NotEmpty(t, s.TopCategories)
	assert.Equal(t, CategoryCount{Name: "Development Boards", Count: 2}, s.TopCategories[0])

	_, err = c.Import(context.Background(), []ImportPart{{URL: "x"}})
	assert.Error(t, err)
}

func TestCatalog_ImportFile(t *testing.T) {
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "parts.db"))
	require.NoError(t, err)
	defer c.Close()

	p := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(p, []byte(`[{"name":"LM2596 Buck Converter","url":"https://robu.in/p/lm2596","price":95,"category":"Power"}]`), 0o644))
	n, err := c.ImportFile(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := c.Search(context.Background(), "buck converter", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 95.0, got[0].Price)
	assert.True(t, got[0].InStock)
}
