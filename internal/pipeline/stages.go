package pipeline

// Default builds the standard research graph
func Default() (*Graph, error) {
	stages := []Stage{groundingStage{}}
	stages = append(stages, Researchers()...)
	stages = append(stages, collectorStage{}, curatorStage{}, enricherStage{}, briefingStage{}, editorStage{})
	return NewGraph(stages...)
}
