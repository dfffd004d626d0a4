// Package notice defines the construction-notice domain types and the
// collaborator interfaces shared by the ingestion and alerting subsystems.
package notice
