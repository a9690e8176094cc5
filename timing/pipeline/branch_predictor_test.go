package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/timing/pipeline"
)

// trainAlternating feeds an alternating taken/not-taken branch to bp and
// returns how many of the last measured outcomes were predicted correctly.
func trainAlternating(bp pipeline.BranchPredictor, training, measured int) int {
	const pc = 0x4000
	correct := 0
	for i := 0; i < training+measured; i++ {
		taken := i%2 == 0
		pred := bp.Predict(pc)
		if i >= training && pred.Taken == taken {
			correct++
		}
		bp.Update(pc, insts.BranchConditional, taken, 0x5000)
	}
	return correct
}

var _ = Describe("BranchPredictor", func() {
	Describe("Bimodal", func() {
		var bp *pipeline.BimodalPredictor

		BeforeEach(func() {
			bp = pipeline.NewBranchPredictor(pipeline.DefaultBranchPredictorConfig())
		})

		It("should predict weakly taken without a known target", func() {
			pred := bp.Predict(0x1000)
			Expect(pred.Taken).To(BeTrue())
			Expect(pred.TargetKnown).To(BeFalse())
			Expect(pred.PredictedTarget()).To(BeZero())
			Expect(bp.Stats().BTBMisses).To(Equal(uint64(1)))
		})

		It("should learn a not-taken conditional", func() {
			for i := 0; i < 3; i++ {
				bp.Update(0x1000, insts.BranchConditional, false, 0x2000)
			}
			Expect(bp.Predict(0x1000).Taken).To(BeFalse())
			Expect(bp.Stats().Mispredictions).To(Equal(uint64(1)))
			Expect(bp.Stats().Correct).To(Equal(uint64(2)))
		})

		It("should remember the target of a taken branch", func() {
			bp.Update(0x1000, insts.BranchConditional, true, 0x2000)

			pred := bp.Predict(0x1000)
			Expect(pred.TargetKnown).To(BeTrue())
			Expect(pred.PredictedTarget()).To(Equal(uint64(0x2000)))
			Expect(bp.Stats().BTBHitRate()).To(BeNumerically("~", 100, 0.01))
		})

		It("should predict unconditional jumps taken regardless of the counter", func() {
			for i := 0; i < 3; i++ {
				bp.Update(0x1000, insts.BranchConditional, false, 0)
			}
			bp.Update(0x1000, insts.BranchDirectJump, true, 0x3000)
			bp.Update(0x1000, insts.BranchConditional, false, 0)

			pred := bp.Predict(0x1000)
			Expect(pred.Taken).To(BeTrue())
			Expect(pred.PredictedTarget()).To(Equal(uint64(0x3000)))
		})

		It("should keep learned state across ResetStats but not Reset", func() {
			bp.Update(0x1000, insts.BranchDirectJump, true, 0x3000)
			bp.ResetStats()
			Expect(bp.Stats()).To(Equal(pipeline.BranchPredictorStats{}))
			Expect(bp.Predict(0x1000).TargetKnown).To(BeTrue())

			bp.Reset()
			Expect(bp.Predict(0x1000).TargetKnown).To(BeFalse())
		})
	})

	Describe("TAGE", func() {
		It("should learn an alternating pattern the bimodal predictor cannot", func() {
			tage := pipeline.NewTAGEPredictor(pipeline.DefaultBranchPredictorConfig())
			bimodal := pipeline.NewBranchPredictor(pipeline.DefaultBranchPredictorConfig())

			tageCorrect := trainAlternating(tage, 200, 50)
			bimodalCorrect := trainAlternating(bimodal, 200, 50)

			Expect(tageCorrect).To(BeNumerically(">=", 45))
			Expect(tageCorrect).To(BeNumerically(">", bimodalCorrect))
		})

		It("should share target buffer semantics with the bimodal predictor", func() {
			tage := pipeline.NewTAGEPredictor(pipeline.DefaultBranchPredictorConfig())
			tage.Update(0x1000, insts.BranchIndirect, true, 0x7000)

			pred := tage.Predict(0x1000)
			Expect(pred.Taken).To(BeTrue())
			Expect(pred.PredictedTarget()).To(Equal(uint64(0x7000)))
		})
	})

	Describe("NewBranchPredictorFromConfig", func() {
		DescribeTable("known kinds",
			func(kind string) {
				config := pipeline.DefaultBranchPredictorConfig()
				config.Kind = kind
				bp, err := pipeline.NewBranchPredictorFromConfig(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(bp).NotTo(BeNil())
			},
			Entry("default", ""),
			Entry("bimodal", "bimodal"),
			Entry("tage", "tage"),
		)

		It("should reject an unknown kind", func() {
			config := pipeline.DefaultBranchPredictorConfig()
			config.Kind = "perceptron"
			_, err := pipeline.NewBranchPredictorFromConfig(config)
			Expect(err).To(MatchError(ContainSubstring("perceptron")))
		})
	})

	Describe("Stats", func() {
		It("should derive rates from the counters", func() {
			s := pipeline.BranchPredictorStats{Predictions: 10, Correct: 8, Mispredictions: 2}
			Expect(s.Accuracy()).To(BeNumerically("~", 80, 0.01))
			Expect(s.MispredictionRate()).To(BeNumerically("~", 20, 0.01))
			Expect(pipeline.BranchPredictorStats{}.Accuracy()).To(BeZero())
		})
	})
})
