package ir

// PipelineVersion is the release of the pipeline, reported by
// `novellus --version`.
const PipelineVersion = "0.1.0"
