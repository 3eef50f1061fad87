// Package export writes a finished mapping session to files: the trajectory
// as text and CSV, the assembled map as PCD, and GeoJSON, HTML and PNG
// views for inspection.
package export
