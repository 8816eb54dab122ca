package pipeline

import (
	"math/rand/v2"
	"slices"

	"flowqos/ml"
)

// CIC-style flow statistics followed by the timing and size summaries the
// rule-based classifier reads.
const (
	FeatureSrcPort    = "Source.Port"
	FeatureDstPort    = "Destination.Port"
	FeatureDuration   = "Flow.Duration"
	FeatureFwdPackets = "Total.Fwd.Packets"
	FeatureBwdPackets = "Total.Backward.Packets"
	FeaturePacketRate = "Flow.Packets.s"
	FeatureFwdPktMax  = "Fwd.Packet.Length.Max"
	FeatureIATMax     = "Flow.IAT.Max"
	FeatureBwdPktMax  = "Bwd.Packet.Length.Max"
	FeatureInitWinFwd = "Init_Win_bytes_forward"
	FeatureInitWinBwd = "Init_Win_bytes_backward"
	FeatureTimestamp  = "Timestamp_Formatted"
	FeatureIATMeanMs  = ml.FeatureIATMean
	FeatureIATStdMs   = ml.FeatureIATStd
	FeatureAvgPktSize = ml.FeatureAvgPktSize
)

// Synthetic timestamps fall in the 30 days after 2023-01-01 UTC.
const syntheticEpochStart = 1672531200

var flowFeatureNames = []string{
	FeatureSrcPort,
	FeatureDstPort,
	FeatureDuration,
	FeatureFwdPackets,
	FeatureBwdPackets,
	FeaturePacketRate,
	FeatureFwdPktMax,
	FeatureIATMax,
	FeatureBwdPktMax,
	FeatureInitWinFwd,
	FeatureInitWinBwd,
	FeatureTimestamp,
	FeatureIATMeanMs,
	FeatureIATStdMs,
	FeatureAvgPktSize,
}

var (
	webPorts    = []int{80, 443, 8080}
	voipPorts   = []int{5060, 5061}
	mediaPorts  = []int{1935}
	gamingPorts = []int{3074, 27015, 3478}
	emailPorts  = []int{25, 465, 587, 110, 995, 143, 993}

	realTimePorts    = slices.Concat(voipPorts, gamingPorts, mediaPorts)
	nonRealTimePorts = slices.Concat(webPorts, emailPorts, []int{8080})
)

// FlowRecord is one labeled synthetic flow.
type FlowRecord struct {
	Label    string             `json:"label"`
	Features map[string]float64 `json:"features"`
}

// FeatureNames returns the fixed feature set every generated flow carries.
func FeatureNames() []string {
	return slices.Clone(flowFeatureNames)
}

// GenerateFlows produces count labeled flows. The class of each record is an
// independent fair draw, so the split is only balanced on average. The same
// (count, seed) always yields the same records.
func GenerateFlows(count int, seed int64) []FlowRecord {
	if count <= 0 {
		return []FlowRecord{}
	}
	master := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	flows := make([]FlowRecord, count)
	for i := range flows {
		realTime := master.IntN(2) == 0
		flows[i] = GenerateFlow(realTime, seed+int64(i))
	}
	return flows
}

// GenerateFlow draws one flow of the given class from its class-conditional
// ranges.
func GenerateFlow(realTime bool, seed int64) FlowRecord {
	r := rand.New(rand.NewPCG(uint64(seed), 0xda942042e4dd58b5))

	var (
		label                  string
		dstPort                int
		duration               float64
		fwdPackets, bwdPackets int
		fwdPktMax, bwdPktMax   float64
		iatMax                 float64
		winFwd, winBwd         int
		iatMean, iatStd        float64
		avgPkt                 float64
	)
	if realTime {
		label = ml.LabelRealTime
		dstPort = pick(r, realTimePorts)
		duration = uniform(r, 1, 120)
		fwdPackets = integer(r, 5, 500)
		bwdPackets = integer(r, 5, 500)
		fwdPktMax = uniform(r, 60, 500)
		bwdPktMax = uniform(r, 60, 500)
		iatMax = uniform(r, 1, 50)
		winFwd = integer(r, 2000, 32768)
		winBwd = integer(r, 2000, 32768)
		iatMean = uniform(r, 2, 20)
		iatStd = uniform(r, 0.5, 10)
		avgPkt = uniform(r, 60, 330)
	} else {
		label = ml.LabelNonRealTime
		dstPort = pick(r, nonRealTimePorts)
		duration = uniform(r, 10, 1800)
		fwdPackets = integer(r, 10, 2000)
		bwdPackets = integer(r, 5, 1000)
		fwdPktMax = uniform(r, 400, 1500)
		bwdPktMax = uniform(r, 60, 1400)
		iatMax = uniform(r, 50, 2000)
		winFwd = integer(r, 4000, 65535)
		winBwd = integer(r, 4000, 65535)
		iatMean = uniform(r, 40, 400)
		iatStd = uniform(r, 15, 200)
		avgPkt = uniform(r, 400, 1400)
	}
	srcPort := integer(r, 1024, 65535)
	timestamp := syntheticEpochStart + integer(r, 0, 3600*24*30)

	return FlowRecord{
		Label: label,
		Features: map[string]float64{
			FeatureSrcPort:    float64(srcPort),
			FeatureDstPort:    float64(dstPort),
			FeatureDuration:   duration,
			FeatureFwdPackets: float64(fwdPackets),
			FeatureBwdPackets: float64(bwdPackets),
			FeaturePacketRate: float64(fwdPackets+bwdPackets) / duration,
			FeatureFwdPktMax:  fwdPktMax,
			FeatureIATMax:     iatMax,
			FeatureBwdPktMax:  bwdPktMax,
			FeatureInitWinFwd: float64(winFwd),
			FeatureInitWinBwd: float64(winBwd),
			FeatureTimestamp:  float64(timestamp),
			FeatureIATMeanMs:  iatMean,
			FeatureIATStdMs:   iatStd,
			FeatureAvgPktSize: avgPkt,
		},
	}
}

// LabeledFlows converts records into training examples.
func LabeledFlows(records []FlowRecord) []ml.LabeledFlow {
	out := make([]ml.LabeledFlow, len(records))
	for i, rec := range records {
		out[i] = ml.LabeledFlow{Label: rec.Label, Features: rec.Features}
	}
	return out
}

// Restrict keeps only the features named in order. With an empty order the
// features are returned unchanged.
func Restrict(features map[string]float64, order []string) map[string]float64 {
	if len(order) == 0 {
		return features
	}
	out := make(map[string]float64, len(order))
	for _, name := range order {
		if v, ok := features[name]; ok {
			out[name] = v
		}
	}
	return out
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// integer draws from [lo, hi).
func integer(r *rand.Rand, lo, hi int) int {
	return lo + r.IntN(hi-lo)
}

func pick(r *rand.Rand, values []int) int {
	return values[r.IntN(len(values))]
}
