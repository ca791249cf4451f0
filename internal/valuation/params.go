package valuation

import (
	"fmt"
	"sort"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
)

// BatteryThreshold applies Factor when battery health is strictly below Below.
type BatteryThreshold struct {
	Below  int
	Factor decimal.Decimal
}

// Parameters drive the valuation engine. They are configuration, not code:
// Load reads them from YAML and Defaults returns the house values.
type Parameters struct {
	ScreenMultipliers map[domain.ConditionGrade]decimal.Decimal
	BodyMultipliers   map[domain.ConditionGrade]decimal.Decimal
	BatteryPenalties  []BatteryThreshold
	IssuePenalty      decimal.Decimal
	WaterDamageFactor decimal.Decimal
	AccessoryBonuses  map[domain.Accessory]decimal.Decimal
	MarginRatio       decimal.Decimal
	MarginTaxRate     decimal.Decimal
	CommissionRate    decimal.Decimal
}

// Defaults returns the parameters the shop ran with before they were made
// configurable.
func Defaults() Parameters {
	p, err := fromFile(defaultFile())
	if err != nil {
		panic(fmt.Sprintf("valuation: invalid default parameters: %v", err))
	}
	return p
}

// Load reads parameters from a YAML file. Keys missing from the file keep
// their default value.
func Load(path string) (Parameters, error) {
	file := defaultFile()
	if err := cleanenv.ReadConfig(path, &file); err != nil {
		return Parameters{}, fmt.Errorf("read valuation parameters: %w", err)
	}
	return fromFile(file)
}

type batteryFile struct {
	Below  int     `yaml:"below"`
	Factor float64 `yaml:"factor"`
}

type parametersFile struct {
	ScreenMultipliers map[string]float64 `yaml:"screen_multipliers"`
	BodyMultipliers   map[string]float64 `yaml:"body_multipliers"`
	BatteryPenalties  []batteryFile      `yaml:"battery_penalties"`
	IssuePenalty      float64            `yaml:"issue_penalty"`
	WaterDamageFactor float64            `yaml:"water_damage_multiplier"`
	AccessoryBonuses  map[string]float64 `yaml:"accessory_bonuses"`
	MarginRatio       float64            `yaml:"margin_ratio"`
	MarginTaxRate     float64            `yaml:"margin_tax_rate"`
	CommissionRate    float64            `yaml:"commission_rate"`
}

func defaultFile() parametersFile {
	return parametersFile{
		ScreenMultipliers: map[string]float64{
			string(domain.GradePerfect):  1.0,
			string(domain.GradeVeryGood): 0.9,
			string(domain.GradeGood):     0.75,
			string(domain.GradeFair):     0.55,
			string(domain.GradePoor):     0.3,
		},
		BodyMultipliers: map[string]float64{
			string(domain.GradePerfect):  1.0,
			string(domain.GradeVeryGood): 0.95,
			string(domain.GradeGood):     0.85,
			string(domain.GradeFair):     0.7,
			string(domain.GradePoor):     0.5,
		},
		BatteryPenalties: []batteryFile{
			{Below: 80, Factor: 0.90},
			{Below: 70, Factor: 0.80},
			{Below: 60, Factor: 0.70},
		},
		IssuePenalty:      30,
		WaterDamageFactor: 0.30,
		AccessoryBonuses: map[string]float64{
			string(domain.AccessoryBox):        20,
			string(domain.AccessoryCharger):    15,
			string(domain.AccessoryHeadphones): 10,
			string(domain.AccessoryManual):     5,
		},
		MarginRatio:    0.40,
		MarginTaxRate:  0.20,
		CommissionRate: 0.05,
	}
}

func fromFile(f parametersFile) (Parameters, error) {
	p := Parameters{
		ScreenMultipliers: make(map[domain.ConditionGrade]decimal.Decimal, len(f.ScreenMultipliers)),
		BodyMultipliers:   make(map[domain.ConditionGrade]decimal.Decimal, len(f.BodyMultipliers)),
		AccessoryBonuses:  make(map[domain.Accessory]decimal.Decimal, len(f.AccessoryBonuses)),
		IssuePenalty:      decimal.NewFromFloat(f.IssuePenalty),
		WaterDamageFactor: decimal.NewFromFloat(f.WaterDamageFactor),
		MarginRatio:       decimal.NewFromFloat(f.MarginRatio),
		MarginTaxRate:     decimal.NewFromFloat(f.MarginTaxRate),
		CommissionRate:    decimal.NewFromFloat(f.CommissionRate),
	}
	for k, v := range f.ScreenMultipliers {
		p.ScreenMultipliers[domain.ConditionGrade(k)] = decimal.NewFromFloat(v)
	}
	for k, v := range f.BodyMultipliers {
		p.BodyMultipliers[domain.ConditionGrade(k)] = decimal.NewFromFloat(v)
	}
	for k, v := range f.AccessoryBonuses {
		p.AccessoryBonuses[domain.Accessory(k)] = decimal.NewFromFloat(v)
	}
	for _, b := range f.BatteryPenalties {
		p.BatteryPenalties = append(p.BatteryPenalties, BatteryThreshold{Below: b.Below, Factor: decimal.NewFromFloat(b.Factor)})
	}
	sort.Slice(p.BatteryPenalties, func(i, j int) bool {
		return p.BatteryPenalties[i].Below > p.BatteryPenalties[j].Below
	})

	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Validate checks that every closed enum value has an entry and that rates
// are fractions.
func (p Parameters) Validate() error {
	for _, g := range domain.ConditionGrades {
		if m, ok := p.ScreenMultipliers[g]; !ok || m.IsNegative() {
			return fmt.Errorf("valuation parameters: screen multiplier for %q missing or negative", g)
		}
		if m, ok := p.BodyMultipliers[g]; !ok || m.IsNegative() {
			return fmt.Errorf("valuation parameters: body multiplier for %q missing or negative", g)
		}
	}
	for g := range p.ScreenMultipliers {
		if !g.Valid() {
			return fmt.Errorf("valuation parameters: unknown screen grade %q", g)
		}
	}
	for g := range p.BodyMultipliers {
		if !g.Valid() {
			return fmt.Errorf("valuation parameters: unknown body grade %q", g)
		}
	}
	for _, kind := range domain.AccessoryKinds {
		if _, ok := p.AccessoryBonuses[kind]; !ok {
			return fmt.Errorf("valuation parameters: accessory bonus for %q missing", kind)
		}
	}
	if len(p.AccessoryBonuses) != len(domain.AccessoryKinds) {
		return fmt.Errorf("valuation parameters: unknown accessory in bonus table")
	}
	for _, b := range p.BatteryPenalties {
		if b.Below <= 0 || b.Below > 100 {
			return fmt.Errorf("valuation parameters: battery threshold %d out of range", b.Below)
		}
		if !isFraction(b.Factor) {
			return fmt.Errorf("valuation parameters: battery factor for <%d must be in [0,1]", b.Below)
		}
	}
	if p.IssuePenalty.IsNegative() {
		return fmt.Errorf("valuation parameters: issue penalty must not be negative")
	}
	rates := map[string]decimal.Decimal{
		"water_damage_multiplier": p.WaterDamageFactor,
		"margin_ratio":            p.MarginRatio,
		"margin_tax_rate":         p.MarginTaxRate,
		"commission_rate":         p.CommissionRate,
	}
	for name, r := range rates {
		if !isFraction(r) {
			return fmt.Errorf("valuation parameters: %s must be in [0,1]", name)
		}
	}
	return nil
}

func isFraction(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}
