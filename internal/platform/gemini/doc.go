// Package gemini provides pipeline executors backed by Google's Gemini API.
//
// Each executor renders a prompt template for its job kind from the job
// input, asks the model for a JSON object and returns that object as the
// job result. Transient API failures are retried with exponential backoff;
// blocked or unparseable responses fail the job immediately.
package gemini
