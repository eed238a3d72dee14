// Package stagetest holds scripted generator replies for a complete
// weather-station build.
package stagetest

import "github.com/danshapiro/hwbuild/internal/llm/llmtest"

const WeatherStationPrompt = "Build a solar-powered weather station that logs temperature and humidity to WiFi"

// UnrepairableCircuit is a reply with an opened fence and no record.
const UnrepairableCircuit = "Here is the circuit design:\n```json\n"

const requirements = "```json\n" + `{
  "project_name": "Solar Weather Station",
  "target_audience": "hobbyists",
  "core_function": "log temperature and humidity over WiFi",
  "components_needed": ["ESP32", "BME280 sensor", "18650 battery holder", "10k resistor", "jumper wires"],
  "size_constraint": "small",
  "battery_powered": true,
  "wireless_needed": true,
  "display_needed": false,
  "estimated_complexity": "intermediate",
  "safety_requirements": ["rounded edges", "sealed battery bay"],
  "special_notes": "outdoor use",
}` + "\n```"

// BOM totals 600 INR.
const bom = `Here is the BOM:
[
  {"name": "ESP32 DevKit V1", "price": 300, "quantity": 1, "reason": "MCU with WiFi"},
  {"name": "BME280 Sensor", "price": 150, "quantity": 1, "reason": "temperature and humidity"},
  {"name": "10k Resistor", "estimated_price": 10, "quantity": 5, "reason": "I2C pull-ups"},
  {"name": "18650 Battery Holder", "price": 50, "quantity": 1, "reason": "power"},
  {"name": "Jumper Wires", "price": 50, "reason": "wiring"}
]`

const circuit = `{
  "board_dimensions": {"width": 60, "height": 40},
  "power_rails": [{"name": "3.3V", "source": "ESP32 LDO"}],
  "connections": [
    {"from": "ESP32 GPIO21", "to": "BME280 SDA", "type": "I2C"},
    {"from": "ESP32 GPIO22", "to": "BME280 SCL", "type": "I2C"},
    {"from": "ESP32 3V3", "to": "BME280 VCC", "type": "power"}
  ],
  "decoupling": ["100nF on BME280 VCC"],
  "notes": "pull-ups on SDA and SCL"
}`

const schematic = "```\n(kicad_sch (version 20230121) (generator hwbuild)\n  (title_block (title \"Solar Weather Station\"))\n)\n```"

const layout = `{"layers": 2, "board_shape": "rectangular", "dimensions_mm": {"width": 60, "height": 40},
  "component_placement": [{"ref": "U1", "component": "ESP32", "position": "center"}],
  "routing_notes": ["keep I2C traces short"], "mounting": ["4x M3 holes"],
  "manufacturing": {"recommended_fab": "JLCPCB"}}`

const enclosure = "```openscad\nwall = 2.5;\ncube([65, 45, 30]);\n```"

const lid = "wall = 2.5;\ncube([65, 45, 2.5]);"

const assembly = `{
  "difficulty": "intermediate",
  "estimated_time_hours": 3,
  "tools_required": [{"name": "soldering iron"}],
  "materials_included": ["solder wire"],
  "safety_warnings": ["Wear safety glasses when soldering"],
  "steps": [
    {"step": 1, "title": "Print the enclosure"},
    {"step": 2, "title": "Solder the sensor header"},
    {"step": 3, "title": "Wire the I2C bus"},
    {"step": 4, "title": "Close the lid"}
  ],
  "testing": [{"test": "Power-on", "expected_result": "readings appear"}],
  "troubleshooting": [{"problem": "No readings", "solutions": ["check SDA/SCL"]}]
}`

// WeatherStation maps generator purposes to their replies.
func WeatherStation() map[string]string {
	return map[string]string{
		"requirements":  requirements,
		"parts.select":  bom,
		"parts.suggest": bom,
		"pcb.circuit":   circuit,
		"pcb.schematic": schematic,
		"pcb.layout":    layout,
		"cad.enclosure": enclosure,
		"cad.lid":       lid,
		"assembly":      assembly,
	}
}

// Generator returns a fresh scripted generator for the weather station.
func Generator() *llmtest.Scripted {
	return llmtest.NewScripted(WeatherStation())
}

// FailingPCB is the weather station with an unrepairable circuit reply.
func FailingPCB() *llmtest.Scripted {
	r := WeatherStation()
	r["pcb.circuit"] = UnrepairableCircuit
	return llmtest.NewScripted(r)
}
