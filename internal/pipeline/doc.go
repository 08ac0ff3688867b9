// Package pipeline parses media-factory launch descriptions of the form
// "( src ! ... ! rtpXpay name=pay0 pt=96 )". It validates the description,
// finds the payN payloaders that produce RTP streams and builds the argument
// vector handed to the media framework launcher.
package pipeline
