// Package sqllogictest parses sqllogictest files into typed record
// streams and writes them back out. The format is line-oriented:
// records are separated by blank lines, a record is a header line plus
// continuation lines, and `----` introduces an expected block.
//
// Execution of a record stream against a database lives in the runner
// package; result comparison lives in the validate package.
package sqllogictest
