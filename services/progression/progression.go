// Package progression holds the reward arithmetic: stages, levels, discount
// rates and token yields. Every other service derives these values from here.
package progression

type Stage string

const (
	Seedling Stage = "seedling"
	Sprout   Stage = "sprout"
	Tree     Stage = "tree"
	Forest   Stage = "forest"
)

// Rate is a discount rate in basis points (1500 = 15%).
type Rate int64

const BasisPoints Rate = 10000

const (
	sproutThreshold int64 = 100
	treeThreshold   int64 = 300
	forestThreshold int64 = 600

	pointsPerLevel       int64 = 50
	highImpactThreshold  int64 = 50
	creatorRewardPercent int64 = 5
	creatorRewardMin     int64 = 1
	creatorRewardMax     int64 = 10
)

type stageInfo struct {
	threshold   int64
	rank        int
	discount    Rate
	questTokens int64
	upgrade     int64
}

var stages = map[Stage]stageInfo{
	Seedling: {threshold: 0, rank: 0, discount: 1000, questTokens: 1, upgrade: 0},
	Sprout:   {threshold: sproutThreshold, rank: 1, discount: 1500, questTokens: 2, upgrade: 10},
	Tree:     {threshold: treeThreshold, rank: 2, discount: 2000, questTokens: 3, upgrade: 20},
	Forest:   {threshold: forestThreshold, rank: 3, discount: 2500, questTokens: 5, upgrade: 50},
}

var order = []Stage{Seedling, Sprout, Tree, Forest}

// StageFor maps cumulative points to a stage. Thresholds are inclusive.
func StageFor(points int64) Stage {
	switch {
	case points >= forestThreshold:
		return Forest
	case points >= treeThreshold:
		return Tree
	case points >= sproutThreshold:
		return Sprout
	default:
		return Seedling
	}
}

func (s Stage) Valid() bool {
	_, ok := stages[s]
	return ok
}

// Rank orders stages; unknown stages rank below seedling.
func (s Stage) Rank() int {
	info, ok := stages[s]
	if !ok {
		return -1
	}
	return info.rank
}

func Level(points int64) int64 {
	if points < 0 {
		points = 0
	}
	return points/pointsPerLevel + 1
}

func DiscountRate(stage Stage) Rate {
	return stages[stage].discount
}

// Percent renders the rate for display, e.g. 1500 -> 15.
func (r Rate) Percent() float64 {
	return float64(r) / 100
}

// TokensPerQuest is the stage base yield plus questPoints/50 for quests
// worth at least 50 points.
func TokensPerQuest(stage Stage, questPoints int64) int64 {
	tokens := stages[stage].questTokens
	if questPoints >= highImpactThreshold {
		tokens += questPoints / pointsPerLevel
	}
	return tokens
}

// StageUpgradeBonus pays the bonus of next only when it ranks above prev.
func StageUpgradeBonus(prev, next Stage) int64 {
	if next.Rank() <= prev.Rank() {
		return 0
	}
	return stages[next].upgrade
}

func CreatorRewardTokens(questPoints int64) int64 {
	reward := questPoints * creatorRewardPercent / 100
	if reward < creatorRewardMin {
		return creatorRewardMin
	}
	if reward > creatorRewardMax {
		return creatorRewardMax
	}
	return reward
}

type Snapshot struct {
	Points            int64  `json:"points"`
	Stage             Stage  `json:"stage"`
	Level             int64  `json:"level"`
	DiscountRate      Rate   `json:"discount_rate_bps"`
	NextStage         *Stage `json:"next_stage,omitempty"`
	PointsToNextStage int64  `json:"points_to_next_stage"`
	PointsToNextLevel int64  `json:"points_to_next_level"`
}

func Progress(points int64) Snapshot {
	stage := StageFor(points)
	snap := Snapshot{
		Points:            points,
		Stage:             stage,
		Level:             Level(points),
		DiscountRate:      DiscountRate(stage),
		PointsToNextLevel: pointsPerLevel - points%pointsPerLevel,
	}

	if r := stage.Rank(); r+1 < len(order) {
		next := order[r+1]
		snap.NextStage = &next
		snap.PointsToNextStage = stages[next].threshold - points
	}
	return snap
}
