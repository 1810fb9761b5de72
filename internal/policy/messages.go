package policy

import (
	"fmt"

	"github.com/ashureev/study-gate/internal/domain"
)

func bedtime() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:  domain.DecisionDeny,
		MessagePT: "Já é hora de descansar. A internet volta amanhã, durma bem!",
		MessageEN: "It's time to rest now. The internet will be back tomorrow, sleep well!",
		Metadata:  domain.DecisionMetadata{Reason: domain.ReasonBedtime, Persona: domain.PersonaMaternal},
	}
}

func studyCompletion() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:   domain.DecisionAskMore,
		MessagePT:  "Agora é horário de estudo.",
		MessageEN:  "It's study time right now.",
		QuestionPT: domain.StringPtr("Você já terminou sua lição de casa?"),
		QuestionEN: domain.StringPtr("Have you finished your homework?"),
		Metadata:   domain.DecisionMetadata{Reason: domain.ReasonStudyCompletion, Persona: domain.PersonaTutor},
	}
}

func studyAllowed(minutes int) *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:       domain.DecisionAllow,
		MessagePT:      fmt.Sprintf("Muito bem! Você pode usar a internet por %d minutos.", minutes),
		MessageEN:      fmt.Sprintf("Well done! You can use the internet for %d minutes.", minutes),
		AllowedMinutes: minutes,
		Metadata:       domain.DecisionMetadata{Reason: domain.ReasonAllowed, Persona: domain.PersonaTutor},
	}
}

func studyDenied() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:  domain.DecisionDeny,
		MessagePT: "Termine a lição primeiro. Depois conversamos sobre a internet.",
		MessageEN: "Finish your homework first. Then we can talk about the internet.",
		Metadata:  domain.DecisionMetadata{Reason: domain.ReasonStudyTime, Persona: domain.PersonaTutor},
	}
}

func clarification() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:   domain.DecisionAskMore,
		MessagePT:  "Não entendi sua resposta.",
		MessageEN:  "I didn't understand your answer.",
		QuestionPT: domain.StringPtr("Responda com sim ou não: você terminou a lição?"),
		QuestionEN: domain.StringPtr("Please answer yes or no: have you finished your homework?"),
		Metadata:   domain.DecisionMetadata{Reason: domain.ReasonClarificationNeeded, Persona: domain.PersonaTutor},
	}
}

func defaultAllowed(minutes int) *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:       domain.DecisionAllow,
		MessagePT:      fmt.Sprintf("Acesso liberado por %d minutos. Aproveite!", minutes),
		MessageEN:      fmt.Sprintf("Access granted for %d minutes. Enjoy!", minutes),
		AllowedMinutes: minutes,
		Metadata:       domain.DecisionMetadata{Reason: domain.ReasonAllowed, Persona: domain.PersonaGeneral},
	}
}

func verificationQuiz(questions []domain.Question) *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:   domain.DecisionAskMore,
		MessagePT:  "Ótimo! Antes de liberar, responda algumas perguntas rápidas.",
		MessageEN:  "Great! Before unlocking, answer a few quick questions.",
		QuestionPT: domain.StringPtr(questions[0].PromptPT),
		QuestionEN: domain.StringPtr(questions[0].PromptEN),
		Questions:  questions,
		Metadata:   domain.DecisionMetadata{Reason: domain.ReasonVerificationQuiz, Persona: domain.PersonaTutor},
	}
}

func quizPassed(minutes int) *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:       domain.DecisionAllow,
		MessagePT:      fmt.Sprintf("Parabéns, você acertou! Internet liberada por %d minutos.", minutes),
		MessageEN:      fmt.Sprintf("Congratulations, you got it right! Internet unlocked for %d minutes.", minutes),
		AllowedMinutes: minutes,
		Metadata:       domain.DecisionMetadata{Reason: domain.ReasonQuizPassed, Persona: domain.PersonaTutor},
	}
}

func quizPartial(retry domain.Question, hint string) *domain.DecisionResponse {
	questionPT, questionEN := retry.PromptPT, retry.PromptEN
	if hint != "" {
		questionPT = fmt.Sprintf("%s (dica: %s)", retry.PromptPT, hint)
		questionEN = fmt.Sprintf("%s (hint: %s)", retry.PromptEN, hint)
	}
	return &domain.DecisionResponse{
		Decision:   domain.DecisionAskMore,
		MessagePT:  "Quase lá! Vamos tentar mais uma.",
		MessageEN:  "Almost there! Let's try one more.",
		QuestionPT: domain.StringPtr(questionPT),
		QuestionEN: domain.StringPtr(questionEN),
		Questions:  []domain.Question{retry},
		Metadata:   domain.DecisionMetadata{Reason: domain.ReasonQuizPartial, Persona: domain.PersonaTutor},
	}
}

func quizFailed() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		Decision:  domain.DecisionDeny,
		MessagePT: "Ainda não foi dessa vez. Revise a matéria e tente de novo mais tarde, você consegue!",
		MessageEN: "Not this time. Review the material and try again later, you can do it!",
		Metadata:  domain.DecisionMetadata{Reason: domain.ReasonQuizFailed, Persona: domain.PersonaTutor},
	}
}
