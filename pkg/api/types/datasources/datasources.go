package datasources

// Created answers a descriptor create or update.
type Created struct {
	DatasourceID string `json:"datasource_id"`
	Message      string `json:"message"`
}

// Deleted answers a descriptor delete. Status carries the HTTP status
// code, mirrored into the body.
type Deleted struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
