package telegram

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampID is the OBIS identifier carrying the telegram timestamp.
const TimestampID = "0-0:1.0.0"

// DSMR timestamps are local Belgian/Dutch time with a W (winter) or S (summer) marker.
var (
	winterTime = time.FixedZone("CET", 1*60*60)
	summerTime = time.FixedZone("CEST", 2*60*60)
)

var (
	obisLinePattern  = regexp.MustCompile(`^(\d+-\d+:\d+\.\d+\.\d+)((?:\([^)]*\))+)\s*$`)
	obisGroupPattern = regexp.MustCompile(`\(([^)]*)\)`)
)

// Decoder extracts fields from a validated telegram payload.
// It holds only pre-compiled patterns and is safe for concurrent use.
type Decoder struct {
	timestampPattern *regexp.Regexp
	floatPatterns    map[string]*regexp.Regexp
	intPatterns      map[string]*regexp.Regexp
	specialPatterns  map[string]*regexp.Regexp
}

func NewDecoder() *Decoder {
	d := &Decoder{
		timestampPattern: regexp.MustCompile(`0-0:1\.0\.0\((\d{12})([WS]?)\)`),
	}

	// Pre-compile regex patterns
	d.floatPatterns = map[string]*regexp.Regexp{
		"current_consumption":     regexp.MustCompile(`1-0:1\.7\.0\((\d+\.\d+)\*kW\)`),
		"current_production":      regexp.MustCompile(`1-0:2\.7\.0\((\d+\.\d+)\*kW\)`),
		"l1_consumption":          regexp.MustCompile(`1-0:21\.7\.0\((\d+\.\d+)\*kW\)`),
		"l2_consumption":          regexp.MustCompile(`1-0:41\.7\.0\((\d+\.\d+)\*kW\)`),
		"l3_consumption":          regexp.MustCompile(`1-0:61\.7\.0\((\d+\.\d+)\*kW\)`),
		"l1_production":           regexp.MustCompile(`1-0:22\.7\.0\((\d+\.\d+)\*kW\)`),
		"l2_production":           regexp.MustCompile(`1-0:42\.7\.0\((\d+\.\d+)\*kW\)`),
		"l3_production":           regexp.MustCompile(`1-0:62\.7\.0\((\d+\.\d+)\*kW\)`),
		"total_consumption_day":   regexp.MustCompile(`1-0:1\.8\.1\((\d+\.\d+)\*kWh\)`),
		"total_consumption_night": regexp.MustCompile(`1-0:1\.8\.2\((\d+\.\d+)\*kWh\)`),
		"total_production_day":    regexp.MustCompile(`1-0:2\.8\.1\((\d+\.\d+)\*kWh\)`),
		"total_production_night":  regexp.MustCompile(`1-0:2\.8\.2\((\d+\.\d+)\*kWh\)`),
		"l1_voltage":              regexp.MustCompile(`1-0:32\.7\.0\((\d+(?:\.\d+)?)\*V\)`),
		"l2_voltage":              regexp.MustCompile(`1-0:52\.7\.0\((\d+(?:\.\d+)?)\*V\)`),
		"l3_voltage":              regexp.MustCompile(`1-0:72\.7\.0\((\d+(?:\.\d+)?)\*V\)`),
		"l1_current":              regexp.MustCompile(`1-0:31\.7\.0\((\d+(?:\.\d+)?)\*A\)`),
		"l2_current":              regexp.MustCompile(`1-0:51\.7\.0\((\d+(?:\.\d+)?)\*A\)`),
		"l3_current":              regexp.MustCompile(`1-0:71\.7\.0\((\d+(?:\.\d+)?)\*A\)`),
		// 24.2.3 on Belgian meters, 24.2.1 on Dutch ones
		"gas_consumption": regexp.MustCompile(`0-1:24\.2\.[13]\(\d{12}[WS]?\)\((\d+\.\d+)\*m3\)`),
	}

	d.intPatterns = map[string]*regexp.Regexp{
		"switch_electricity": regexp.MustCompile(`0-0:96\.3\.10\((\d+)\)`),
		"switch_gas":         regexp.MustCompile(`0-1:24\.4\.0\((\d+)\)`),
	}

	d.specialPatterns = map[string]*regexp.Regexp{
		"current_tariff":           regexp.MustCompile(`0-0:96\.14\.0\((\d{4})\)`),
		"meter_serial_electricity": regexp.MustCompile(`0-0:96\.1\.1\(([A-Fa-f0-9]+)\)`),
		"meter_serial_gas":         regexp.MustCompile(`0-1:96\.1\.1\(([A-Fa-f0-9]+)\)`),
	}

	return d
}

// Decode parses a telegram payload (start character through the last data
// line, without the checksum). It never fails: fields that are missing or
// malformed are left at their zero value and a missing timestamp leaves
// Timestamp nil. Callers must check HasTimestamp.
func (d *Decoder) Decode(payload string) *Telegram {
	t := &Telegram{
		Fields: make(map[string][]string),
	}

	lines := strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i == 0 && !obisLinePattern.MatchString(line) {
			t.Header = strings.TrimLeft(line, "/")
			continue
		}
		match := obisLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		for _, group := range obisGroupPattern.FindAllStringSubmatch(match[2], -1) {
			t.Fields[match[1]] = append(t.Fields[match[1]], group[1])
		}
	}

	t.Timestamp = d.parseTimestamp(payload)
	d.parseReading(payload, &t.Reading)
	return t
}

func (d *Decoder) parseTimestamp(payload string) *time.Time {
	match := d.timestampPattern.FindStringSubmatch(payload)
	if match == nil {
		return nil
	}
	loc := time.UTC
	switch match[2] {
	case "W":
		loc = winterTime
	case "S":
		loc = summerTime
	}
	ts, err := time.ParseInLocation("060102150405", match[1], loc)
	if err != nil {
		return nil
	}
	return &ts
}

func (d *Decoder) parseReading(payload string, reading *MeterReading) {
	// Parse regular OBIS codes
	floatMap := map[string]func(float64){
		"current_consumption":     func(v float64) { reading.CurrentConsumptionKW = v },
		"current_production":      func(v float64) { reading.CurrentProductionKW = v },
		"l1_consumption":          func(v float64) { reading.L1ConsumptionKW = v },
		"l2_consumption":          func(v float64) { reading.L2ConsumptionKW = v },
		"l3_consumption":          func(v float64) { reading.L3ConsumptionKW = v },
		"l1_production":           func(v float64) { reading.L1ProductionKW = v },
		"l2_production":           func(v float64) { reading.L2ProductionKW = v },
		"l3_production":           func(v float64) { reading.L3ProductionKW = v },
		"total_consumption_day":   func(v float64) { reading.TotalConsumptionDayKWH = v },
		"total_consumption_night": func(v float64) { reading.TotalConsumptionNightKWH = v },
		"total_production_day":    func(v float64) { reading.TotalProductionDayKWH = v },
		"total_production_night":  func(v float64) { reading.TotalProductionNightKWH = v },
		"l1_voltage":              func(v float64) { reading.L1VoltageV = v },
		"l2_voltage":              func(v float64) { reading.L2VoltageV = v },
		"l3_voltage":              func(v float64) { reading.L3VoltageV = v },
		"l1_current":              func(v float64) { reading.L1CurrentA = v },
		"l2_current":              func(v float64) { reading.L2CurrentA = v },
		"l3_current":              func(v float64) { reading.L3CurrentA = v },
		"gas_consumption":         func(v float64) { reading.GasConsumptionM3 = v },
	}

	for field, setter := range floatMap {
		if match := d.floatPatterns[field].FindStringSubmatch(payload); match != nil {
			if value, err := strconv.ParseFloat(match[1], 64); err == nil {
				setter(value)
			}
		}
	}

	// Parse integer fields
	intMap := map[string]func(int){
		"switch_electricity": func(v int) { reading.SwitchElectricity = v },
		"switch_gas":         func(v int) { reading.SwitchGas = v },
	}

	for field, setter := range intMap {
		if match := d.intPatterns[field].FindStringSubmatch(payload); match != nil {
			if value, err := strconv.Atoi(match[1]); err == nil {
				setter(value)
			}
		}
	}

	if match := d.specialPatterns["current_tariff"].FindStringSubmatch(payload); match != nil {
		if value, err := strconv.Atoi(match[1]); err == nil {
			// 0001 -> 1, 0002 -> 2
			reading.CurrentTariff = value % 10
		}
	}

	reading.MeterSerialElectricity = d.parseSerial("meter_serial_electricity", payload)
	reading.MeterSerialGas = d.parseSerial("meter_serial_gas", payload)
}

// Serial numbers are transmitted hex encoded.
func (d *Decoder) parseSerial(field, payload string) string {
	match := d.specialPatterns[field].FindStringSubmatch(payload)
	if match == nil {
		return ""
	}
	if decoded, err := hex.DecodeString(match[1]); err == nil {
		return string(decoded)
	}
	return match[1]
}
