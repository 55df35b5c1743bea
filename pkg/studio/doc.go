// Package studio drives the hosted app-generation application through its
// UI: positioning pages, reconciling the model setting, running a generation
// while watching for remote errors, and reading the generated output.
package studio
