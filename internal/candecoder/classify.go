package candecoder

import "github.com/tbox/agent/internal/metricsnapshot"

// classRule describes how one metric name is classified into the tagged
// MetricValue variant. The original firmware inferred this from ad hoc
// substring conventions in the metric name at encode time; here the mapping
// is fixed data owned by the decoder, so neither MetricSnapshot nor
// TelemetryEncoder ever has to introspect a name string.
type classRule struct {
	shape      metricsnapshot.Shape
	listParent string
}

// defaultClassRules is the name -> shape registry for the metrics this
// T-Box decodes. List-index metrics enumerate a countable group (battery
// subsystems, drive motors, cells); list-member metrics carry one reading
// per member of some list-index metric's currently seen index set.
var defaultClassRules = map[string]classRule{
	"DriveMotorIndex":      {shape: metricsnapshot.ShapeListIndex},
	"DriveMotorState":      {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorCtrlTemp":   {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorSpinSpeed":  {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorTorque":     {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorMotorTemp":  {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorCtrlVolt":   {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"DriveMotorCtrlCurr":   {shape: metricsnapshot.ShapeListMember, listParent: "DriveMotorIndex"},
	"BattSubsystemIndex":   {shape: metricsnapshot.ShapeListIndex},
	"BattSubsystemVoltage": {shape: metricsnapshot.ShapeListMember, listParent: "BattSubsystemIndex"},
	"BattSubsystemCellCnt": {shape: metricsnapshot.ShapeListMember, listParent: "BattSubsystemIndex"},
	"CellVoltageIndex":     {shape: metricsnapshot.ShapeListIndex},
	"CellVoltage":          {shape: metricsnapshot.ShapeListMember, listParent: "CellVoltageIndex"},
	"CellTempIndex":        {shape: metricsnapshot.ShapeListIndex},
	"CellTemp":             {shape: metricsnapshot.ShapeListMember, listParent: "CellTempIndex"},
	"ExtremumIndex":        {shape: metricsnapshot.ShapeListIndex},
	"ExtremumVoltage":      {shape: metricsnapshot.ShapeListMember, listParent: "ExtremumIndex"},
	"ExtremumTemp":         {shape: metricsnapshot.ShapeListMember, listParent: "ExtremumIndex"},
}

// Classifier looks up the tagged shape for a decoded metric name. A name not
// present in the registry classifies as ShapePlain.
type Classifier struct {
	rules map[string]classRule
}

// NewClassifier builds a Classifier from the default registry.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultClassRules}
}

// Classify returns the shape and (for list-member metrics) the parent
// metric name to use for this decoded signal.
func (c *Classifier) Classify(name string) (metricsnapshot.Shape, string) {
	if c == nil {
		return metricsnapshot.ShapePlain, ""
	}
	if r, ok := c.rules[name]; ok {
		return r.shape, r.listParent
	}
	return metricsnapshot.ShapePlain, ""
}
