// Package classifierstub hosts a deterministic fake of the image classifier
// endpoint so content gate tests can assert request shape, authentication and
// retries without a model server.
package classifierstub
