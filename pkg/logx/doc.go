// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger (usually derived with With(comp=...)) and never
// touch zerolog directly, so sinks and levels can be swapped at runtime via
// Service.Apply().
package logx
