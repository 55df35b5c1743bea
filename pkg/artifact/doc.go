// Package artifact reconstructs a generated project's file tree.
//
// Two unrelated capture channels are supported and selected per task:
//
//   - Downloader clicks the application's download control and saves a zip
//     archive, which Unpack extracts, flattens and collects into an Artifact.
//   - Interceptor listens for the outgoing save request and decodes the
//     base64 file pairs embedded in its JSON body.
//
// An Artifact is a plain map from forward-slash relative path to content.
package artifact
