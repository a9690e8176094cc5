package bytecode

import "go.uber.org/zap"

// ModuleStats holds prediction verification statistics and a snapshot of
// the tables the module owns.
type ModuleStats struct {
	StronglyCorrect uint64 `json:"strongly_correct"`
	WeaklyCorrect   uint64 `json:"weakly_correct"`
	Wrong           uint64 `json:"wrong"`

	// BTBAccuracy is the percentage of BTB observations that matched the
	// stored jump.
	BTBAccuracy float64 `json:"btb_accuracy"`

	BTB    BTBStats    `json:"btb"`
	Gate   GateStats   `json:"gate"`
	Buffer BufferStats `json:"buffer"`
}

// Module is the per-core bytecode acceleration state: the jump predictor,
// the confidence gate and the prefetch buffer, plus the prediction that is
// waiting to be verified by the next bytecode load.
type Module struct {
	config Config

	BTB    *BTB
	Gate   *ConfidenceGate
	Buffer *PrefetchBuffer

	pending        bool
	lastOpcode     int
	lastOparg      int
	lastBPC        uint64
	lastPrediction uint64

	stats  ModuleStats
	logger *zap.Logger
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithLogger sets the logger of the module and its prefetch buffer.
func WithLogger(l *zap.Logger) ModuleOption {
	return func(m *Module) {
		m.logger = l
	}
}

// NewModule creates the bytecode tables described by config.
func NewModule(config Config, opts ...ModuleOption) *Module {
	m := &Module{
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.BTB = NewBTB(config.BTBSize, config.UseOperands, config.BytecodeSize)
	m.Gate = NewConfidenceGate(config.GateSize)
	m.Buffer = NewPrefetchBuffer(
		config.BufferWindows,
		config.WindowSize,
		config.BytecodeSize,
		config.FetchOffset,
		WithBufferLogger(m.logger.Named("buffer")),
	)

	return m
}

// Config returns the configuration the module was built with.
func (m *Module) Config() Config {
	return m.config
}

// SequentialPC returns the address of the bytecode that follows bpc when no
// jump is predicted.
func (m *Module) SequentialPC(bpc uint64) uint64 {
	return bpc + m.config.BytecodeSize*m.config.FetchTime
}

// PredictBranching predicts the address of the bytecode executed after the
// one at bpc and remembers the prediction for CorrectPrediction.
func (m *Module) PredictBranching(opcode, oparg int, bpc uint64) uint64 {
	prediction := m.SequentialPC(bpc)
	if jump := m.BTB.Prediction(opcode, oparg); jump != 0 {
		prediction = uint64(int64(bpc) + jump)
	}

	m.pending = true
	m.lastOpcode = opcode
	m.lastOparg = oparg
	m.lastBPC = bpc
	m.lastPrediction = prediction

	return prediction
}

// CorrectPrediction verifies the remembered prediction against the actual
// bytecode address and trains the BTB with the observed distance. It
// returns false when there was nothing to verify.
func (m *Module) CorrectPrediction(bpc uint64) bool {
	if !m.pending {
		return false
	}
	m.pending = false

	correct := m.lastPrediction == bpc
	switch {
	case !correct:
		m.stats.Wrong++
	case m.entryConfidence(m.lastOpcode) == MaxConfidence:
		m.stats.StronglyCorrect++
	default:
		m.stats.WeaklyCorrect++
	}

	m.BTB.Update(m.lastOpcode, m.lastOparg, int64(bpc)-int64(m.lastBPC))

	if !correct {
		m.logger.Debug("bytecode misprediction",
			zap.Int("opcode", m.lastOpcode),
			zap.Uint64("predicted", m.lastPrediction),
			zap.Uint64("actual", bpc))
	}

	return correct
}

func (m *Module) entryConfidence(opcode int) int {
	e, ok := m.BTB.Entry(opcode)
	if !ok {
		return 0
	}
	return e.Confidence
}

// Stats returns module statistics with snapshots of the owned tables.
func (m *Module) Stats() ModuleStats {
	s := m.stats
	s.BTB = m.BTB.Stats()
	s.BTBAccuracy = s.BTB.Accuracy()
	s.Gate = m.Gate.Stats()
	s.Buffer = m.Buffer.Stats()
	return s
}

// ResetStats clears the statistics of the module and every owned table.
// Learned state is kept.
func (m *Module) ResetStats() {
	m.stats = ModuleStats{}
	m.BTB.ResetStats()
	m.Gate.ResetStats()
	m.Buffer.ResetStats()
}
