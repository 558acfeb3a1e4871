package main

// General API documentation for swaggo. Run `swag init -g cmd/fleetd/docs.go`
// to regenerate.
//
// @title           fleetd API
// @version         1.0
// @description     Cluster API for launching models on worker nodes and running inference against them.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
