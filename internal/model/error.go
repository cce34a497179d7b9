package model

import "errors"

var ErrorValidation = errors.New("validation failed")
var ErrorNetwork = errors.New("network request failed")
var ErrorSubscription = errors.New("subscription failed")
var ErrorAuth = errors.New("not authenticated")
var ErrorUnknownMessage = errors.New("unknown message")
var ErrorLoadSuperseded = errors.New("load superseded by a newer request")
var ErrorConversationNotFound = errors.New("conversation not found")
var ErrorParticipantNotFound = errors.New("participant not found")
